// Package assemblyai implements diarize.Provider against AssemblyAI's
// two-stage API: upload the audio, request a transcript with speaker labels,
// then poll until the job settles.
package assemblyai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/minutehq/minute/pkg/provider/diarize"
)

const (
	defaultBaseURL = "https://api.assemblyai.com/v2"

	// pollInterval paces status checks; AssemblyAI jobs take on the order of
	// a quarter of the audio duration.
	pollInterval = 3 * time.Second

	// maxPollDuration caps how long one job may stay queued or processing.
	maxPollDuration = 30 * time.Minute
)

// Provider implements diarize.Provider using AssemblyAI.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

var _ diarize.Provider = (*Provider)(nil)

type config struct {
	baseURL string
	client  *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the API endpoint, mainly for tests.
func WithBaseURL(u string) Option {
	return func(c *config) { c.baseURL = u }
}

// WithHTTPClient replaces the default client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.client = hc }
}

// New constructs an AssemblyAI diarization provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("assemblyai: apiKey must not be empty")
	}
	cfg := &config{baseURL: defaultBaseURL}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.client == nil {
		cfg.client = &http.Client{Timeout: 120 * time.Second}
	}
	return &Provider{apiKey: apiKey, baseURL: cfg.baseURL, client: cfg.client}, nil
}

// Diarize implements diarize.Provider.
func (p *Provider) Diarize(ctx context.Context, audio []byte) (*diarize.Result, error) {
	if len(audio) == 0 {
		return nil, fmt.Errorf("assemblyai: empty audio")
	}

	audioURL, err := p.upload(ctx, audio)
	if err != nil {
		return nil, err
	}
	id, err := p.submit(ctx, audioURL)
	if err != nil {
		return nil, err
	}
	return p.poll(ctx, id)
}

// Name implements diarize.Provider.
func (p *Provider) Name() string { return "assemblyai" }

func (p *Provider) upload(ctx context.Context, audio []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/upload", bytes.NewReader(audio))
	if err != nil {
		return "", fmt.Errorf("assemblyai: build upload request: %w", err)
	}
	req.Header.Set("Authorization", p.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	body, err := p.do(req)
	if err != nil {
		return "", fmt.Errorf("assemblyai: upload: %w", err)
	}
	var out struct {
		UploadURL string `json:"upload_url"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("assemblyai: parse upload response: %w", err)
	}
	if out.UploadURL == "" {
		return "", fmt.Errorf("assemblyai: upload returned no url")
	}
	return out.UploadURL, nil
}

func (p *Provider) submit(ctx context.Context, audioURL string) (string, error) {
	payload, _ := json.Marshal(map[string]any{
		"audio_url":      audioURL,
		"speaker_labels": true,
		"punctuate":      true,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/transcript", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("assemblyai: build transcript request: %w", err)
	}
	req.Header.Set("Authorization", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	body, err := p.do(req)
	if err != nil {
		return "", fmt.Errorf("assemblyai: submit transcript: %w", err)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("assemblyai: parse transcript response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("assemblyai: transcript returned no id")
	}
	return out.ID, nil
}

func (p *Provider) poll(ctx context.Context, id string) (*diarize.Result, error) {
	deadline := time.Now().Add(maxPollDuration)
	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("assemblyai: transcript %s did not settle within %s", id, maxPollDuration)
		}
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/transcript/"+id, nil)
		if err != nil {
			return nil, fmt.Errorf("assemblyai: build poll request: %w", err)
		}
		req.Header.Set("Authorization", p.apiKey)

		body, err := p.do(req)
		if err != nil {
			return nil, fmt.Errorf("assemblyai: poll: %w", err)
		}

		var tr transcriptResponse
		if err := json.Unmarshal(body, &tr); err != nil {
			return nil, fmt.Errorf("assemblyai: parse poll response: %w", err)
		}
		switch tr.Status {
		case "completed":
			return parseTranscript(&tr)
		case "error":
			return nil, fmt.Errorf("assemblyai: transcript failed: %s", tr.Error)
		}
		// queued / processing: keep polling.
	}
}

func (p *Provider) do(req *http.Request) ([]byte, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}

type transcriptResponse struct {
	Status     string  `json:"status"`
	Error      string  `json:"error"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Utterances []struct {
		Speaker    string  `json:"speaker"`
		Start      int64   `json:"start"` // milliseconds
		End        int64   `json:"end"`
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
		Words      []struct {
			Text string `json:"text"`
		} `json:"words"`
	} `json:"utterances"`
}

// parseTranscript converts a completed job into diarize segments.
// AssemblyAI labels speakers "A", "B", ...; they are renumbered to the
// provider-neutral SPEAKER_N form.
func parseTranscript(tr *transcriptResponse) (*diarize.Result, error) {
	if len(tr.Utterances) == 0 {
		return nil, fmt.Errorf("assemblyai: no utterances in completed transcript")
	}

	labels := map[string]string{}
	var segments []diarize.SpeakerSegment
	for _, u := range tr.Utterances {
		label, ok := labels[u.Speaker]
		if !ok {
			label = fmt.Sprintf("SPEAKER_%d", len(labels))
			labels[u.Speaker] = label
		}
		wc := len(u.Words)
		if wc == 0 {
			wc = len(strings.Fields(u.Text))
		}
		segments = append(segments, diarize.SpeakerSegment{
			Speaker:    label,
			Start:      float64(u.Start) / 1000,
			End:        float64(u.End) / 1000,
			Text:       strings.TrimSpace(u.Text),
			Confidence: u.Confidence,
			WordCount:  wc,
		})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].Start < segments[j].Start })

	return &diarize.Result{
		Segments:   segments,
		Speakers:   len(labels),
		Transcript: strings.TrimSpace(tr.Text),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
