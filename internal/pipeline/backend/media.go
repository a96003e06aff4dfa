package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/yungbote/interception-backend/internal/pipeline/chunks"
	"github.com/yungbote/interception-backend/internal/pipeline/defs"
	"github.com/yungbote/interception-backend/internal/pipeline/pipeerr"
)

type apiHTTPError struct {
	StatusCode int
	Body       string
}

func (e *apiHTTPError) Error() string {
	return fmt.Sprintf("media api: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *apiHTTPError) HTTPStatusCode() int { return e.StatusCode }

// mediaInputs is what input_mappings may reference: "prompt" plus every
// request parameter, with "seed" always present.
func mediaInputs(req *chunks.Request) (map[string]any, int64) {
	inputs := make(map[string]any, len(req.Parameters)+2)
	for k, v := range req.Parameters {
		inputs[k] = v
	}
	inputs["prompt"] = req.Prompt
	seed, ok := fixedSeed(req.Parameters["seed"])
	if !ok {
		seed = rand.Int63n(1 << 32)
	}
	inputs["seed"] = seed
	return inputs, seed
}

// fixedSeed accepts a non-negative number; -1, "random" or absence draw one.
func fixedSeed(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		if t >= 0 {
			return int64(t), true
		}
	case int:
		if t >= 0 {
			return int64(t), true
		}
	case int64:
		if t >= 0 {
			return t, true
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil && n >= 0 {
			return n, true
		}
	}
	return 0, false
}

func mediaTypeOf(req *chunks.Request) string {
	if req.Chunk != nil && req.Chunk.MediaType != "" {
		return req.Chunk.MediaType
	}
	if mt, ok := req.Parameters["media_type"].(string); ok && mt != "" {
		return mt
	}
	return "image"
}

func (r *Router) processWorkflow(ctx context.Context, req *chunks.Request) (*Response, error) {
	if r.workflow == nil {
		return nil, pipeerr.New(pipeerr.KindBackend, "no workflow backend configured for chunk %q", req.ChunkName)
	}
	if req.Chunk == nil || len(req.Chunk.Workflow) == 0 {
		return nil, pipeerr.New(pipeerr.KindTemplate, "chunk %q has no workflow", req.ChunkName)
	}

	inputs, seed := mediaInputs(req)
	wf := deepCopy(req.Chunk.Workflow).(map[string]any)
	if err := applyWorkflowMappings(wf, req.Chunk.InputMappings, inputs); err != nil {
		return nil, pipeerr.Wrap(pipeerr.KindTemplate, err, "chunk %s input mappings", req.ChunkName)
	}

	promptID, err := r.workflow.Submit(ctx, wf)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.KindBackend, err, "submit workflow for chunk %s", req.ChunkName)
	}
	r.log.Info("Workflow submitted", "chunk", req.ChunkName, "prompt_id", promptID, "seed", seed)

	meta := map[string]any{
		"source":     SourceJob,
		"job_id":     promptID,
		"backend":    "comfyui",
		"media_type": mediaTypeOf(req),
		"seed":       seed,
		"chunk_name": req.ChunkName,
	}
	if om := req.Chunk.OutputMapping; om != nil {
		if om.NodeID != "" {
			meta["output_node"] = om.NodeID
		}
		if om.OutputType != "" {
			meta["output_type"] = om.OutputType
		}
	}
	return &Response{Success: true, Content: promptID, Metadata: meta}, nil
}

// applyWorkflowMappings writes each input into node.inputs.<field>, or, for
// placeholder mappings, replaces {{NAME}} inside every workflow string.
func applyWorkflowMappings(wf map[string]any, mappings map[string]defs.InputMapping, inputs map[string]any) error {
	for name, m := range mappings {
		val, ok := inputs[name]
		if !ok {
			if m.Default == nil {
				continue
			}
			val = m.Default
		}
		if m.Placeholder != "" {
			replacePlaceholder(wf, m.Placeholder, val)
			continue
		}
		if m.NodeID == "" || m.Field == "" {
			return fmt.Errorf("mapping %q needs node_id and field", name)
		}
		node, ok := wf[m.NodeID].(map[string]any)
		if !ok {
			return fmt.Errorf("mapping %q: node %q not in workflow", name, m.NodeID)
		}
		in, ok := node["inputs"].(map[string]any)
		if !ok {
			in = map[string]any{}
			node["inputs"] = in
		}
		if err := setPath(in, strings.TrimPrefix(m.Field, "inputs."), val); err != nil {
			return fmt.Errorf("mapping %q: %w", name, err)
		}
	}
	return nil
}

func replacePlaceholder(v any, name string, val any) any {
	token := "{{" + name + "}}"
	switch t := v.(type) {
	case string:
		if t == token {
			return val
		}
		if strings.Contains(t, token) {
			return strings.ReplaceAll(t, token, fmt.Sprint(val))
		}
		return t
	case map[string]any:
		for k, inner := range t {
			t[k] = replacePlaceholder(inner, name, val)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = replacePlaceholder(inner, name, val)
		}
		return t
	}
	return v
}

func (r *Router) processAPI(ctx context.Context, req *chunks.Request) (*Response, error) {
	if req.Chunk == nil || req.Chunk.APIConfig == nil {
		return nil, pipeerr.New(pipeerr.KindTemplate, "chunk %q has no api_config", req.ChunkName)
	}
	api := req.Chunk.APIConfig

	inputs, seed := mediaInputs(req)
	body := map[string]any{}
	if api.RequestBody != nil {
		body = deepCopy(api.RequestBody).(map[string]any)
	}
	if api.Model != "" {
		if _, ok := body["model"]; !ok {
			body["model"] = api.Model
		}
	}
	for name, m := range req.Chunk.InputMappings {
		val, ok := inputs[name]
		if !ok {
			if m.Default == nil {
				continue
			}
			val = m.Default
		}
		if m.Placeholder != "" {
			replacePlaceholder(body, m.Placeholder, val)
			continue
		}
		path := m.Path
		if path == "" {
			path = m.Field
		}
		if path == "" {
			continue
		}
		if err := setPath(body, path, val); err != nil {
			return nil, pipeerr.Wrap(pipeerr.KindTemplate, err, "chunk %s mapping %s", req.ChunkName, name)
		}
	}

	raw, err := r.postJSON(ctx, api, body)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.KindBackend, err, "media api for chunk %s", req.ChunkName)
	}

	outType := "images"
	outPath := ""
	if om := req.Chunk.OutputMapping; om != nil {
		if om.Type != "" {
			outType = om.Type
		}
		outPath = om.Path
	}
	ref, err := extractMedia(raw, outType, outPath)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.KindBackend, err, "chunk %s: no media in response", req.ChunkName)
	}

	backendName := api.Backend
	if backendName == "" {
		if u, err := url.Parse(api.Endpoint); err == nil {
			backendName = u.Hostname()
		}
	}
	meta := map[string]any{
		"source":     ref.source,
		"backend":    backendName,
		"media_type": mediaTypeOf(req),
		"seed":       seed,
		"chunk_name": req.ChunkName,
	}
	content := ""
	switch ref.source {
	case SourceURL:
		meta["url"] = ref.value
		content = ref.value
	case SourceBase64:
		meta["data"] = ref.value
	}
	if ref.mime != "" {
		meta["mime_type"] = ref.mime
	}
	return &Response{Success: true, Content: content, Metadata: meta}, nil
}

func (r *Router) postJSON(ctx context.Context, api *defs.APIConfig, body map[string]any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	method := api.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, api.Endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if api.APIKeyEnv != "" {
		if key := strings.TrimSpace(os.Getenv(api.APIKeyEnv)); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
	}
	for k, v := range api.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 256<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(raw) > 2048 {
			raw = raw[:2048]
		}
		return nil, &apiHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

type mediaRef struct {
	source string
	value  string
	mime   string
}

// extractMedia finds the artifact in a chat-style or images-API response.
func extractMedia(raw []byte, outType, path string) (mediaRef, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return mediaRef{}, err
	}
	var candidates []string
	switch outType {
	case "chat":
		if path != "" {
			candidates = []string{path}
		}
		candidates = append(candidates,
			"choices.0.message.images.0.image_url.url",
			"choices.0.message.content",
		)
	default:
		if path != "" {
			candidates = []string{path}
		}
		candidates = append(candidates, "data.0.b64_json", "data.0.url")
	}
	for _, p := range candidates {
		v, ok := getPath(doc, p)
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		if ref, ok := classifyRef(s, strings.HasSuffix(p, "b64_json")); ok {
			return ref, nil
		}
	}
	return mediaRef{}, fmt.Errorf("no media at %v", candidates)
}

func classifyRef(s string, isBase64 bool) (mediaRef, bool) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "data:"):
		comma := strings.Index(s, ",")
		if comma < 0 {
			return mediaRef{}, false
		}
		header := s[len("data:"):comma]
		mime := strings.TrimSuffix(header, ";base64")
		return mediaRef{source: SourceBase64, value: s[comma+1:], mime: mime}, true
	case strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://"):
		return mediaRef{source: SourceURL, value: s}, true
	case isBase64:
		return mediaRef{source: SourceBase64, value: s}, true
	}
	return mediaRef{}, false
}

// getPath walks a dotted path; numeric segments index arrays.
func getPath(v any, path string) (any, bool) {
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch t := cur.(type) {
		case map[string]any:
			next, ok := t[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(t) {
				return nil, false
			}
			cur = t[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// setPath creates intermediate maps as needed; numeric segments must index
// existing array elements.
func setPath(root map[string]any, path string, val any) error {
	segs := strings.Split(path, ".")
	var cur any = root
	for i, seg := range segs {
		last := i == len(segs)-1
		switch t := cur.(type) {
		case map[string]any:
			if last {
				t[seg] = val
				return nil
			}
			next, ok := t[seg]
			if !ok || next == nil {
				if _, err := strconv.Atoi(segs[i+1]); err == nil {
					return fmt.Errorf("path %q: missing array at %q", path, seg)
				}
				next = map[string]any{}
				t[seg] = next
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(t) {
				return fmt.Errorf("path %q: bad index %q", path, seg)
			}
			if last {
				t[idx] = val
				return nil
			}
			cur = t[idx]
		default:
			return fmt.Errorf("path %q: cannot descend into %T", path, cur)
		}
	}
	return nil
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = deepCopy(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = deepCopy(inner)
		}
		return out
	}
	return v
}
