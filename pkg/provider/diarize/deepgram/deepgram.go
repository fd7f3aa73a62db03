// Package deepgram implements diarize.Provider against Deepgram's
// prerecorded transcription API: one authenticated POST of the audio blob,
// speaker labels in the response.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/minutehq/minute/pkg/provider/diarize"
)

const (
	defaultBaseURL = "https://api.deepgram.com/v1/listen"

	// DefaultModel is Deepgram's current general-purpose model.
	DefaultModel = "nova-2"

	// requestTimeout bounds one upload + transcription round trip. Long
	// meetings upload tens of megabytes and transcribe server-side before
	// the response arrives.
	requestTimeout = 300 * time.Second

	maxRetries = 3
)

// Provider implements diarize.Provider using Deepgram.
type Provider struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

var _ diarize.Provider = (*Provider)(nil)

type config struct {
	baseURL string
	model   string
	client  *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the API endpoint, mainly for tests.
func WithBaseURL(u string) Option {
	return func(c *config) { c.baseURL = u }
}

// WithModel selects the Deepgram model.
func WithModel(m string) Option {
	return func(c *config) { c.model = m }
}

// WithHTTPClient replaces the default client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.client = hc }
}

// New constructs a Deepgram diarization provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("deepgram: apiKey must not be empty")
	}
	cfg := &config{baseURL: defaultBaseURL, model: DefaultModel}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.client == nil {
		cfg.client = newIPv4Client()
	}
	return &Provider{
		apiKey:  apiKey,
		baseURL: cfg.baseURL,
		model:   cfg.model,
		client:  cfg.client,
	}, nil
}

// newIPv4Client forces "tcp4" dials. Some container hosts resolve Deepgram to
// an IPv6 address without a working IPv6 route, which stalls every upload.
func newIPv4Client() *http.Client {
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp4", addr)
		},
		TLSHandshakeTimeout: 15 * time.Second,
	}
	return &http.Client{Transport: transport, Timeout: requestTimeout}
}

// Diarize implements diarize.Provider. Network failures are retried up to
// three times with exponential backoff; HTTP errors are not retried.
func (p *Provider) Diarize(ctx context.Context, audio []byte) (*diarize.Result, error) {
	if len(audio) == 0 {
		return nil, fmt.Errorf("deepgram: empty audio")
	}

	params := url.Values{}
	params.Set("model", p.model)
	params.Set("diarize", "true")
	params.Set("punctuate", "true")
	params.Set("utterances", "true")
	endpoint := p.baseURL + "?" + params.Encode()
	contentType := DetectContentType(audio)

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, status, err := p.post(ctx, endpoint, contentType, audio)
		if err != nil {
			lastErr = err
			continue
		}
		if status != http.StatusOK {
			// Server already received the request; retrying the same
			// payload will not change the verdict.
			return nil, fmt.Errorf("deepgram: status %d: %s", status, truncate(string(body), 200))
		}
		return parseResponse(body)
	}
	return nil, fmt.Errorf("deepgram: request failed after %d attempts: %w", maxRetries, lastErr)
}

// Name implements diarize.Provider.
func (p *Provider) Name() string { return "deepgram" }

func (p *Provider) post(ctx context.Context, endpoint, contentType string, audio []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(audio))
	if err != nil {
		return nil, 0, fmt.Errorf("deepgram: build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("deepgram: post audio: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("deepgram: read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// DetectContentType infers the audio MIME type from magic bytes. Unknown
// payloads are sent as wav, the format the recorder produces.
func DetectContentType(audio []byte) string {
	switch {
	case len(audio) >= 4 && bytes.Equal(audio[:4], []byte("RIFF")):
		return "audio/wav"
	case len(audio) >= 3 && bytes.Equal(audio[:3], []byte("ID3")):
		return "audio/mpeg"
	case len(audio) >= 2 && audio[0] == 0xff && audio[1] == 0xfb:
		return "audio/mpeg"
	case len(audio) >= 4 && bytes.Equal(audio[:4], []byte("OggS")):
		return "audio/ogg"
	default:
		return "audio/wav"
	}
}

// response mirrors the subset of Deepgram's prerecorded response we consume.
type response struct {
	Results struct {
		Utterances []struct {
			Start      float64 `json:"start"`
			End        float64 `json:"end"`
			Confidence float64 `json:"confidence"`
			Transcript string  `json:"transcript"`
			Speaker    int     `json:"speaker"`
			Words      []word  `json:"words"`
		} `json:"utterances"`
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
				Words      []word `json:"words"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

type word struct {
	Word       string  `json:"punctuated_word"`
	Plain      string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
	Speaker    int     `json:"speaker"`
}

func (w word) text() string {
	if w.Word != "" {
		return w.Word
	}
	return w.Plain
}

// parseResponse prefers utterance-level items (already punctuated, one
// speaker each) and reconstructs turns from word-level items when the
// response carries none.
func parseResponse(body []byte) (*diarize.Result, error) {
	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("deepgram: parse response: %w", err)
	}

	var segments []diarize.SpeakerSegment
	if len(r.Results.Utterances) > 0 {
		for _, u := range r.Results.Utterances {
			segments = append(segments, diarize.SpeakerSegment{
				Speaker:    speakerLabel(u.Speaker),
				Start:      u.Start,
				End:        u.End,
				Text:       strings.TrimSpace(u.Transcript),
				Confidence: u.Confidence,
				WordCount:  len(u.Words),
			})
		}
	} else if len(r.Results.Channels) > 0 && len(r.Results.Channels[0].Alternatives) > 0 {
		segments = segmentsFromWords(r.Results.Channels[0].Alternatives[0].Words)
	}

	if len(segments) == 0 {
		return nil, fmt.Errorf("deepgram: no speaker segments in response")
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].Start < segments[j].Start })

	res := &diarize.Result{
		Segments: segments,
		Speakers: countSpeakers(segments),
	}
	if len(r.Results.Channels) > 0 && len(r.Results.Channels[0].Alternatives) > 0 {
		res.Transcript = strings.TrimSpace(r.Results.Channels[0].Alternatives[0].Transcript)
	}
	return res, nil
}

// segmentsFromWords groups consecutive same-speaker words into segments.
func segmentsFromWords(words []word) []diarize.SpeakerSegment {
	var segments []diarize.SpeakerSegment
	var cur *diarize.SpeakerSegment
	var confSum float64
	var texts []string

	flush := func() {
		if cur == nil {
			return
		}
		cur.Text = strings.Join(texts, " ")
		if cur.WordCount > 0 {
			cur.Confidence = confSum / float64(cur.WordCount)
		}
		segments = append(segments, *cur)
		cur, confSum, texts = nil, 0, nil
	}

	for _, w := range words {
		label := speakerLabel(w.Speaker)
		if cur == nil || cur.Speaker != label {
			flush()
			cur = &diarize.SpeakerSegment{Speaker: label, Start: w.Start}
		}
		cur.End = w.End
		cur.WordCount++
		confSum += w.Confidence
		texts = append(texts, w.text())
	}
	flush()
	return segments
}

func speakerLabel(idx int) string {
	return fmt.Sprintf("SPEAKER_%d", idx)
}

func countSpeakers(segments []diarize.SpeakerSegment) int {
	seen := map[string]struct{}{}
	for _, s := range segments {
		seen[s.Speaker] = struct{}{}
	}
	return len(seen)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
