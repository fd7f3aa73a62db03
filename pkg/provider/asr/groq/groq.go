// Package groq implements asr.Transcriber against Groq's OpenAI-compatible
// audio endpoints using the official OpenAI Go SDK pointed at Groq's base URL.
package groq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/minutehq/minute/pkg/provider/asr"
)

const (
	// DefaultBaseURL is Groq's OpenAI-compatible API root.
	DefaultBaseURL = "https://api.groq.com/openai/v1"

	// DefaultModel balances latency and quality for live windows.
	DefaultModel = "whisper-large-v3-turbo"

	// maxPromptChars is Groq's effective prompt-context budget. Longer
	// prompts are truncated from the front, keeping the most recent text.
	maxPromptChars = 100
)

// Transcriber implements asr.Transcriber using Groq-hosted Whisper.
type Transcriber struct {
	client oai.Client
	model  string
}

var _ asr.Transcriber = (*Transcriber)(nil)

type config struct {
	baseURL string
	model   string
	timeout time.Duration
}

// Option is a functional option for Transcriber.
type Option func(*config)

// WithBaseURL overrides the Groq API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel selects the Whisper model variant.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a Groq transcriber.
func New(apiKey string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("groq: apiKey must not be empty")
	}

	cfg := &config{
		baseURL: DefaultBaseURL,
		model:   DefaultModel,
		timeout: 60 * time.Second,
	}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(cfg.baseURL),
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Transcriber{
		client: oai.NewClient(reqOpts...),
		model:  cfg.model,
	}, nil
}

// Transcribe implements asr.Transcriber. With req.Translate set it calls the
// translations endpoint and returns English text; otherwise the transcriptions
// endpoint with verbose JSON for segment detail.
func (t *Transcriber) Transcribe(ctx context.Context, req asr.Request) (*asr.Result, error) {
	if len(req.Audio) == 0 {
		return nil, &asr.Error{Kind: asr.KindBadRequest, Err: errors.New("empty audio")}
	}

	file := oai.File(bytes.NewReader(req.Audio), "audio.wav", "audio/wav")

	var raw string
	if req.Translate {
		params := oai.AudioTranslationNewParams{
			File:           file,
			Model:          oai.AudioModel(t.model),
			ResponseFormat: oai.AudioTranslationNewParamsResponseFormatVerboseJSON,
		}
		if p := tailPrompt(req.Prompt); p != "" {
			params.Prompt = param.NewOpt(p)
		}
		tr, err := t.client.Audio.Translations.New(ctx, params)
		if err != nil {
			return nil, classify(err)
		}
		raw = tr.RawJSON()
	} else {
		params := oai.AudioTranscriptionNewParams{
			File:           file,
			Model:          oai.AudioModel(t.model),
			ResponseFormat: oai.AudioResponseFormatVerboseJSON,
		}
		if p := tailPrompt(req.Prompt); p != "" {
			params.Prompt = param.NewOpt(p)
		}
		if req.Language != "" {
			params.Language = param.NewOpt(req.Language)
		}
		tr, err := t.client.Audio.Transcriptions.New(ctx, params)
		if err != nil {
			return nil, classify(err)
		}
		raw = tr.RawJSON()
	}

	res, err := parseVerbose([]byte(raw))
	if err != nil {
		return nil, &asr.Error{Kind: asr.KindOther, Err: err}
	}
	res.Translated = req.Translate
	return res, nil
}

// Name implements asr.Transcriber.
func (t *Transcriber) Name() string { return "groq" }

// verboseResponse mirrors Whisper's verbose_json shape. The SDK's typed
// response only surfaces the plain text, so the raw body is re-parsed.
type verboseResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		ID               int     `json:"id"`
		Start            float64 `json:"start"`
		End              float64 `json:"end"`
		Text             string  `json:"text"`
		AvgLogProb       float64 `json:"avg_logprob"`
		NoSpeechProb     float64 `json:"no_speech_prob"`
		CompressionRatio float64 `json:"compression_ratio"`
	} `json:"segments"`
}

func parseVerbose(raw []byte) (*asr.Result, error) {
	var vr verboseResponse
	if err := json.Unmarshal(raw, &vr); err != nil {
		return nil, fmt.Errorf("groq: parse verbose response: %w", err)
	}
	res := &asr.Result{
		Text:     vr.Text,
		Language: vr.Language,
		Duration: vr.Duration,
	}
	for _, s := range vr.Segments {
		res.Segments = append(res.Segments, asr.Segment{
			ID:               s.ID,
			Start:            s.Start,
			End:              s.End,
			Text:             s.Text,
			AvgLogProb:       s.AvgLogProb,
			NoSpeechProb:     s.NoSpeechProb,
			CompressionRatio: s.CompressionRatio,
		})
	}
	return res, nil
}

// tailPrompt keeps the last maxPromptChars characters, cutting on a rune
// boundary.
func tailPrompt(p string) string {
	if len(p) <= maxPromptChars {
		return p
	}
	runes := []rune(p)
	if len(runes) <= maxPromptChars {
		return p
	}
	return string(runes[len(runes)-maxPromptChars:])
}

// classify maps SDK and transport errors onto asr error kinds.
func classify(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		kind := asr.KindOther
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			kind = asr.KindInvalidCredential
		case apiErr.StatusCode == http.StatusTooManyRequests:
			kind = asr.KindRateLimited
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			kind = asr.KindBadRequest
		case apiErr.StatusCode >= 500:
			kind = asr.KindTransientNetwork
		}
		return &asr.Error{Kind: kind, Status: apiErr.StatusCode, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &asr.Error{Kind: asr.KindTransientNetwork, Err: err}
	}
	return &asr.Error{Kind: asr.KindOther, Err: err}
}
