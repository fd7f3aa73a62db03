package groq

import (
	"errors"
	"strings"
	"testing"

	"github.com/minutehq/minute/pkg/provider/asr"
)

func TestParseVerbose(t *testing.T) {
	raw := `{
		"text": "hello world",
		"language": "en",
		"duration": 5.76,
		"segments": [
			{"id": 0, "start": 0.0, "end": 2.5, "text": " hello", "avg_logprob": -0.21, "no_speech_prob": 0.01, "compression_ratio": 1.1},
			{"id": 1, "start": 2.5, "end": 5.76, "text": " world", "avg_logprob": -0.35, "no_speech_prob": 0.02, "compression_ratio": 1.2}
		]
	}`

	res, err := parseVerbose([]byte(raw))
	if err != nil {
		t.Fatalf("parseVerbose: %v", err)
	}
	if res.Text != "hello world" || res.Language != "en" || res.Duration != 5.76 {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(res.Segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(res.Segments))
	}
	if res.Segments[1].End != 5.76 || res.Segments[1].AvgLogProb != -0.35 {
		t.Errorf("unexpected segment: %+v", res.Segments[1])
	}
}

func TestParseVerboseWithoutSegments(t *testing.T) {
	res, err := parseVerbose([]byte(`{"text": "hi", "language": "en", "duration": 1.0}`))
	if err != nil {
		t.Fatalf("parseVerbose: %v", err)
	}
	if res.Text != "hi" || len(res.Segments) != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestTailPrompt(t *testing.T) {
	if got := tailPrompt("short"); got != "short" {
		t.Errorf("got %q, want unchanged", got)
	}

	long := strings.Repeat("ab", 100)
	got := tailPrompt(long)
	if len([]rune(got)) != maxPromptChars {
		t.Errorf("got %d runes, want %d", len([]rune(got)), maxPromptChars)
	}
	if !strings.HasSuffix(long, got) {
		t.Error("truncation must keep the tail of the prompt")
	}

	// Multi-byte text must be cut on a rune boundary.
	cyrillic := strings.Repeat("ж", 150)
	got = tailPrompt(cyrillic)
	if len([]rune(got)) != maxPromptChars {
		t.Errorf("got %d runes, want %d", len([]rune(got)), maxPromptChars)
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected an error for empty api key")
	}
}

func TestKindOfPlainError(t *testing.T) {
	if kind := asr.KindOf(errors.New("boom")); kind != asr.KindOther {
		t.Errorf("got %v, want KindOther", kind)
	}
}
