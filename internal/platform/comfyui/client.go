package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/interception-backend/internal/platform/ctxutil"
	"github.com/yungbote/interception-backend/internal/platform/logger"
)

var ErrJobFailed = errors.New("comfyui job failed")

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("comfyui: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *HTTPError) HTTPStatusCode() int { return e.StatusCode }

// Client submits workflow graphs to a ComfyUI-compatible server, polls its
// history endpoint and downloads the produced files.
type Client struct {
	baseURL      string
	clientID     string
	pollInterval time.Duration
	maxBytes     int64
	log          *logger.Logger
	httpClient   *http.Client
}

type Options struct {
	PollInterval time.Duration
	MaxBytes     int64
	HTTPClient   *http.Client
}

func New(baseURL string, opts Options, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Nop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 512 << 20
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		clientID:     uuid.NewString(),
		pollInterval: opts.PollInterval,
		maxBytes:     opts.MaxBytes,
		log:          log.With("service", "ComfyUIClient"),
		httpClient:   opts.HTTPClient,
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// File is one artifact listed in a completed job's outputs.
type File struct {
	NodeID    string `json:"node_id"`
	Kind      string `json:"kind"`
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type HistoryEntry struct {
	PromptID string
	Outputs  map[string]map[string]json.RawMessage `json:"outputs"`
	Status   struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
		Messages  []any  `json:"messages,omitempty"`
	} `json:"status"`
}

func (h *HistoryEntry) Done() bool {
	if h == nil {
		return false
	}
	return h.Status.Completed || h.Status.StatusStr == "success" || h.Status.StatusStr == "error"
}

func (h *HistoryEntry) Failed() bool {
	return h != nil && h.Status.StatusStr == "error"
}

// Files lists artifacts of the given output kinds ("images", "audio", "gifs",
// "videos"), optionally restricted to one node. Nodes are visited in id order.
func (h *HistoryEntry) Files(nodeID string, kinds ...string) []File {
	if h == nil {
		return nil
	}
	nodes := make([]string, 0, len(h.Outputs))
	for id := range h.Outputs {
		if nodeID == "" || id == nodeID {
			nodes = append(nodes, id)
		}
	}
	sort.Strings(nodes)

	var out []File
	for _, id := range nodes {
		for _, kind := range kinds {
			raw, ok := h.Outputs[id][kind]
			if !ok {
				continue
			}
			var files []File
			if err := json.Unmarshal(raw, &files); err != nil {
				continue
			}
			for _, f := range files {
				if f.Filename == "" {
					continue
				}
				f.NodeID, f.Kind = id, kind
				out = append(out, f)
			}
		}
	}
	return out
}

// KindsFor maps a media type to the history output kinds that may carry it.
func KindsFor(mediaType string) []string {
	switch mediaType {
	case "audio", "music":
		return []string{"audio"}
	case "video":
		return []string{"videos", "gifs", "images"}
	default:
		return []string{"images"}
	}
}

type submitResponse struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
	Error      any            `json:"error,omitempty"`
}

// Submit queues a workflow graph and returns its prompt id.
func (c *Client) Submit(ctx context.Context, workflow map[string]any) (string, error) {
	if c.baseURL == "" {
		return "", errors.New("comfyui: base url not configured")
	}
	body := map[string]any{"prompt": workflow, "client_id": c.clientID}
	var resp submitResponse
	if err := c.doJSON(ctx, http.MethodPost, "/prompt", body, &resp); err != nil {
		return "", err
	}
	if len(resp.NodeErrors) > 0 || resp.Error != nil {
		b, _ := json.Marshal(map[string]any{"error": resp.Error, "node_errors": resp.NodeErrors})
		return "", &HTTPError{StatusCode: http.StatusBadRequest, Body: string(b)}
	}
	if strings.TrimSpace(resp.PromptID) == "" {
		return "", errors.New("comfyui: submit returned no prompt_id")
	}
	return resp.PromptID, nil
}

// History returns the job record, or nil while the job is unknown/pending.
func (c *Client) History(ctx context.Context, promptID string) (*HistoryEntry, error) {
	var all map[string]*HistoryEntry
	if err := c.doJSON(ctx, http.MethodGet, "/history/"+url.PathEscape(promptID), nil, &all); err != nil {
		return nil, err
	}
	entry, ok := all[promptID]
	if !ok || entry == nil {
		return nil, nil
	}
	entry.PromptID = promptID
	return entry, nil
}

// Wait polls History until the job completes, fails or ctx ends.
func (c *Client) Wait(ctx context.Context, promptID string) (*HistoryEntry, error) {
	ctx = ctxutil.Default(ctx)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	polls := 0
	for {
		entry, err := c.History(ctx, promptID)
		polls++
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.log.Warn("History poll failed", "prompt_id", promptID, "run_id", ctxutil.RunID(ctx), "error", err)
		}
		if entry.Done() {
			if entry.Failed() {
				return entry, fmt.Errorf("%w: prompt_id=%s", ErrJobFailed, promptID)
			}
			c.log.Debug("Job completed", "prompt_id", promptID, "polls", polls)
			return entry, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Download fetches one output file through the /view endpoint.
func (c *Client) Download(ctx context.Context, f File) ([]byte, string, error) {
	q := url.Values{}
	q.Set("filename", f.Filename)
	q.Set("subfolder", f.Subfolder)
	t := f.Type
	if t == "" {
		t = "output"
	}
	q.Set("type", t)

	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return nil, "", &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(raw)) > c.maxBytes {
		return nil, "", fmt.Errorf("comfyui: %s exceeds %d bytes", f.Filename, c.maxBytes)
	}
	return raw, strings.TrimSpace(resp.Header.Get("Content-Type")), nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
