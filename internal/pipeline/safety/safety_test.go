package safety

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/interception-backend/internal/inference/config"
	"github.com/yungbote/interception-backend/internal/inference/engine"
	"github.com/yungbote/interception-backend/internal/inference/router"
	"github.com/yungbote/interception-backend/internal/pipeline/pipeerr"
)

// fakeGen answers by the first word of the system prompt.
type fakeGen struct {
	mu      sync.Mutex
	answers map[string]string
	err     error
	calls   []string
}

func (f *fakeGen) Generate(ctx context.Context, model string, msgs []engine.Message, _ engine.GenerateOptions) (router.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	system := ""
	if len(msgs) > 1 {
		system = msgs[0].Content
	}
	key := "unified"
	switch {
	case strings.HasPrefix(system, "Translate"):
		key = "translate"
	case strings.HasPrefix(system, "You classify"):
		key = "classify"
	case strings.HasPrefix(system, "You review"):
		key = "media"
	}
	f.calls = append(f.calls, key+"@"+model)
	if f.err != nil {
		return router.Result{}, f.err
	}
	return router.Result{Text: f.answers[key], Model: model}, nil
}

func newChecker(answers map[string]string) (*Checker, *fakeGen) {
	g := &fakeGen{answers: answers}
	return NewChecker(g, config.Default(), nil), g
}

func TestParseVerdict(t *testing.T) {
	cases := []struct {
		in   string
		ok   bool
		safe bool
		text string
	}{
		{"SAFE: a cat on the mattress", true, true, "a cat on the mattress"},
		{"  safe:   hello", true, true, "hello"},
		{"```\nSAFE: fenced\n```", true, true, "fenced"},
		{"```text\nSAFE: lang fence\n```", true, true, "lang fence"},
		{`"SAFE: quoted"`, true, true, "quoted"},
		{"**SAFE:** bold", true, true, "bold"},
		{"BLOCKED: §86a StGB - Hakenkreuz - verbotenes Symbol", true, false, ""},
		{"Sure! Here is the translation: a cat", false, false, ""},
		{"", false, false, ""},
	}
	for _, tc := range cases {
		p, ok := ParseVerdict(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		if !ok {
			continue
		}
		assert.Equal(t, tc.safe, p.Safe, tc.in)
		if tc.safe {
			assert.Equal(t, tc.text, p.Text, tc.in)
		}
	}

	p, _ := ParseVerdict("BLOCKED: §86a StGB - Hakenkreuz - verbotenes Symbol")
	assert.Equal(t, "§86a StGB", p.LawReference)
	assert.Equal(t, "Hakenkreuz", p.Symbol)
	assert.Equal(t, "verbotenes Symbol", p.Explanation)
}

func TestParseClassificationBareWords(t *testing.T) {
	p, ok := ParseClassification("SAFE.")
	require.True(t, ok)
	assert.True(t, p.Safe)
	p, ok = ParseClassification("unsafe")
	require.True(t, ok)
	assert.False(t, p.Safe)
	_, ok = ParseClassification("maybe")
	assert.False(t, ok)
}

func TestPreFilter(t *testing.T) {
	hit, ok := PreFilter("Ein HAKENKREUZ auf der Wand", LevelYouth)
	require.True(t, ok)
	assert.Equal(t, "§86a StGB", hit.LawReference)

	_, ok = PreFilter("Ein Hakenkreuz", LevelOff)
	assert.False(t, ok)

	_, ok = PreFilter("a naked tree in winter", LevelYouth)
	assert.False(t, ok)
	_, ok = PreFilter("a naked tree in winter", LevelKids)
	assert.True(t, ok)

	_, ok = PreFilter("a pornstar", LevelYouth)
	assert.True(t, ok)
	_, ok = PreFilter("the shotgun", LevelKids)
	assert.False(t, ok)
	_, ok = PreFilter("oregore hills", LevelKids)
	assert.False(t, ok)
}

func TestParseLevelDefaultsToKids(t *testing.T) {
	assert.Equal(t, LevelOff, ParseLevel("OFF"))
	assert.Equal(t, LevelYouth, ParseLevel(" youth "))
	assert.Equal(t, LevelKids, ParseLevel(""))
	assert.Equal(t, LevelKids, ParseLevel("adult"))
}

func TestUnifiedSafe(t *testing.T) {
	c, g := newChecker(map[string]string{"unified": "SAFE: a cat on the mattress"})
	v, err := c.PreInterception(context.Background(), "katze auf der matratze", LevelKids, "eco")
	require.NoError(t, err)
	assert.True(t, v.Safe)
	assert.True(t, v.Checked)
	assert.Equal(t, MethodUnified, v.Method)
	assert.Equal(t, "a cat on the mattress", v.Translated)
	assert.Equal(t, []string{"unified@local/mistral-nemo:12b"}, g.calls)
}

func TestUnifiedBlocked(t *testing.T) {
	c, _ := newChecker(map[string]string{"unified": "BLOCKED: §86a StGB - SS-Runen - verfassungswidriges Symbol"})
	v, err := c.PreInterception(context.Background(), "zwei blitze nebeneinander", LevelKids, "fast")
	require.NoError(t, err)
	assert.False(t, v.Safe)
	assert.Equal(t, "SS-Runen", v.Symbol)
	assert.Equal(t, "zwei blitze nebeneinander", v.Translated)

	rec := v.Record()
	assert.Equal(t, false, rec["safe"])
	assert.Equal(t, "§86a StGB", rec["law_reference"])

	e := v.Err(1, "pre_interception")
	assert.Equal(t, pipeerr.KindSafetyBlocked, e.Kind)
	assert.Equal(t, 1, e.Stage)
}

func TestTermFilterSkipsModel(t *testing.T) {
	c, g := newChecker(nil)
	v, err := c.PreInterception(context.Background(), "ein hakenkreuz malen", LevelYouth, "eco")
	require.NoError(t, err)
	assert.False(t, v.Safe)
	assert.Equal(t, MethodTermFilter, v.Method)
	assert.Empty(t, g.calls)
}

func TestLegacyFallback(t *testing.T) {
	c, g := newChecker(map[string]string{
		"unified":   "I think this text is fine.",
		"translate": "a cat on the mattress",
		"classify":  "SAFE",
	})
	v, err := c.PreInterception(context.Background(), "katze auf der matratze", LevelKids, "eco")
	require.NoError(t, err)
	assert.True(t, v.Safe)
	assert.Equal(t, MethodLegacy, v.Method)
	assert.Equal(t, "a cat on the mattress", v.Translated)
	require.Len(t, g.calls, 3)
	assert.Equal(t, "classify@local/llama-guard3:8b", g.calls[2])
}

func TestLegacyUnparsedIsUnsafe(t *testing.T) {
	c, _ := newChecker(map[string]string{
		"unified":   "hmm",
		"translate": "x",
		"classify":  "no idea",
	})
	v, err := c.PreInterception(context.Background(), "x", LevelKids, "eco")
	require.NoError(t, err)
	assert.False(t, v.Safe)
	assert.Equal(t, MethodLegacyUnparsed, v.Method)
}

func TestLevelOffOnlyTranslates(t *testing.T) {
	c, g := newChecker(map[string]string{"translate": "\"a cat\""})
	v, err := c.PreInterception(context.Background(), "eine katze hakenkreuz", LevelOff, "eco")
	require.NoError(t, err)
	assert.True(t, v.Safe)
	assert.False(t, v.Checked)
	assert.Equal(t, "a cat", v.Translated)
	assert.Equal(t, map[string]any{"safe": true, "checked": false, "method": MethodTranslationOnly, "safety_level": "off", "model": "local/mistral-nemo:12b"}, v.Record())
	require.Len(t, g.calls, 1)
}

func TestBackendErrorPropagates(t *testing.T) {
	c, g := newChecker(nil)
	g.err = context.DeadlineExceeded
	_, err := c.PreInterception(context.Background(), "x", LevelKids, "eco")
	require.Error(t, err)
	assert.Equal(t, pipeerr.KindTimeout, pipeerr.KindOf(err))
}

func TestPreOutput(t *testing.T) {
	c, _ := newChecker(map[string]string{"media": "BLOCKED: JuSchG - violence - too graphic for children"})
	v, err := c.PreOutput(context.Background(), "a battle scene", "image", LevelKids, "fast")
	require.NoError(t, err)
	assert.False(t, v.Safe)
	assert.Equal(t, "image", v.MediaType)
	e := v.Err(3, "pre_output_safety")
	assert.Equal(t, "image", e.Details["media_type"])

	c, _ = newChecker(map[string]string{"media": "SAFE: a calm lake"})
	v, err = c.PreOutput(context.Background(), "a calm lake", "audio", LevelYouth, "eco")
	require.NoError(t, err)
	assert.True(t, v.Safe)
	assert.Nil(t, v.Err(3, ""))
}
