package stream

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/minutehq/minute/internal/observe"
	"github.com/minutehq/minute/pkg/audio"
	"github.com/minutehq/minute/pkg/provider/asr"
	"github.com/minutehq/minute/pkg/provider/vad"
)

// Config tunes one manager. Zero values fall back to the documented defaults.
type Config struct {
	// WindowSamples / SlideSamples set the rolling buffer geometry.
	WindowSamples int
	SlideSamples  int

	// SilenceThresholdMS of continuous non-speech finalizes the pending
	// partial. Default 1000.
	SilenceThresholdMS int

	// MinCallInterval spaces transcription calls. Default 3s.
	MinCallInterval time.Duration

	// MaxInFlight caps concurrent transcription calls. Default 2.
	MaxInFlight int64

	// ForceFinalizeTimeout finalizes a speech run that never settles.
	// Default 6s.
	ForceFinalizeTimeout time.Duration

	// Language hints recognition; Translate requests English output.
	Language  string
	Translate bool
}

func (c *Config) applyDefaults() {
	if c.SilenceThresholdMS <= 0 {
		c.SilenceThresholdMS = 1000
	}
	if c.MinCallInterval <= 0 {
		c.MinCallInterval = 3 * time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 2
	}
	if c.ForceFinalizeTimeout <= 0 {
		c.ForceFinalizeTimeout = 6 * time.Second
	}
}

// minFlushDuration is the least buffered audio worth a flush call.
const minFlushDuration = 500 * time.Millisecond

// promptContextChars bounds the committed-transcript tail passed to the
// backend as recognition context.
const promptContextChars = 100

// terminalPunctuation ends a sentence in the languages the service targets.
var terminalPunctuation = []string{".", "!", "?", "。", "？", "！", "।"}

func endsInTerminalPunctuation(s string) bool {
	s = strings.TrimSpace(s)
	for _, p := range terminalPunctuation {
		if strings.HasSuffix(s, p) {
			return true
		}
	}
	return false
}

// Manager orchestrates VAD, the rolling buffer, and the transcription
// backend for one session, emitting deduplicated FinalSegments.
//
// All frame processing happens on the session's single worker goroutine;
// transcription calls run on a bounded pool and re-enter through the mutex.
type Manager struct {
	cfg        Config
	transcribe asr.Transcriber
	detector   vad.Detector
	log        *slog.Logger
	metrics    *observe.Metrics

	// now is replaceable in tests.
	now func() time.Time

	sem    *semaphore.Weighted
	finals chan FinalSegment
	errs   chan SessionError

	mu     sync.Mutex
	buf    *audio.RollingBuffer
	dedupe *dedupeState

	lastPartial   string
	partialConf   float64 // backend confidence of lastPartial
	committedText string  // the API context prompt and dedup baseline
	sameTextCount int

	isSpeaking bool
	silenceMS  float64

	sessionStart time.Time
	lastChunkTS  float64 // client time, seconds
	speechStart  float64
	speechEnd    float64

	lastSpeechWall time.Time
	lastCallWall   time.Time
}

// NewManager builds a manager around the given backend and detector.
func NewManager(t asr.Transcriber, det vad.Detector, cfg Config, log *slog.Logger, metrics *observe.Metrics) *Manager {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Manager{
		cfg:          cfg,
		transcribe:   t,
		detector:     det,
		log:          log,
		metrics:      metrics,
		now:          time.Now,
		sem:          semaphore.NewWeighted(cfg.MaxInFlight),
		finals:       make(chan FinalSegment, 32),
		errs:         make(chan SessionError, 8),
		buf:          audio.NewRollingBuffer(cfg.WindowSamples, cfg.SlideSamples),
		dedupe:       newDedupeState(),
		sessionStart: time.Now(),
	}
}

// Finals emits committed transcript segments. The channel is never closed;
// consumers stop reading when the session ends.
func (m *Manager) Finals() <-chan FinalSegment { return m.finals }

// Errors emits non-fatal backend errors for the client.
func (m *Manager) Errors() <-chan SessionError { return m.errs }

// ProcessFrame ingests one PCM frame. clientTS is seconds since session
// start as measured by the client; pass a negative value when the frame
// carried no timestamp.
func (m *Manager) ProcessFrame(ctx context.Context, pcm []byte, clientTS float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	// Client time is the source of truth for segment boundaries; without
	// it, fall back to server wall clock relative to session start. A
	// regressing clock is clamped just past the previous frame.
	ts := clientTS
	if ts < 0 || math.IsNaN(ts) {
		ts = now.Sub(m.sessionStart).Seconds()
	}
	if ts < m.lastChunkTS {
		ts = m.lastChunkTS + 0.1
	}
	m.lastChunkTS = ts

	duration := audio.DurationMS(pcm) / 1000
	samples := audio.BytesToSamples(pcm)
	speech := m.detector.IsSpeech(samples)

	// Silent frames still enter the buffer so the window keeps real time
	// continuity across pauses.
	m.buf.AddSamples(samples)

	if speech {
		if !m.isSpeaking {
			m.isSpeaking = true
			m.speechStart = ts
		}
		m.speechEnd = ts + duration
		m.silenceMS = 0
		m.lastSpeechWall = now
	} else if m.isSpeaking {
		m.silenceMS += duration * 1000
		if m.silenceMS > float64(m.cfg.SilenceThresholdMS) {
			m.finalizeOnSilence(ctx)
		}
	}

	m.maybeTranscribe(ctx, now)
}

// finalizeOnSilence commits the pending partial after a long pause.
// Caller holds the mutex.
func (m *Manager) finalizeOnSilence(ctx context.Context) {
	m.isSpeaking = false
	m.silenceMS = 0

	text := strings.TrimSpace(m.lastPartial)
	if text == "" || m.dedupe.isFinalized(text) {
		m.speechStart = m.speechEnd
		return
	}
	// The partial carries the confidence of the backend result that produced
	// it; 0.8 covers partials seeded without one.
	conf := m.partialConf
	if conf == 0 {
		conf = 0.8
	}
	m.emitLocked(ctx, FinalSegment{
		Text:           text,
		Confidence:     conf,
		Reason:         ReasonSilence,
		AudioStartTime: m.speechStart,
		AudioEndTime:   m.speechEnd,
		Duration:       m.speechEnd - m.speechStart,
	})
}

// maybeTranscribe dispatches a backend call when the window is viable, the
// spacing interval has passed, and speech was seen recently. Caller holds
// the mutex.
func (m *Manager) maybeTranscribe(ctx context.Context, now time.Time) {
	if !m.buf.IsViable() {
		return
	}
	if now.Sub(m.lastCallWall) < m.cfg.MinCallInterval {
		return
	}
	windowDur := time.Duration(m.buf.Fill()) * time.Second / audio.SampleRate
	if m.lastSpeechWall.IsZero() || now.Sub(m.lastSpeechWall) > windowDur {
		// Nothing spoken inside the current window. Advance the clock
		// anyway so the next check does not fire immediately.
		m.lastCallWall = now
		return
	}
	if !m.sem.TryAcquire(1) {
		// Both slots busy; this window's content reappears in the next one.
		return
	}
	m.lastCallWall = now

	wav := audio.PCMToWAV(m.buf.WindowBytes(), audio.SampleRate)
	prompt := tailChars(m.committedText, promptContextChars)

	go m.runTranscription(ctx, wav, prompt)
}

// runTranscription performs one backend call off the frame path.
func (m *Manager) runTranscription(ctx context.Context, wav []byte, prompt string) {
	defer m.sem.Release(1)

	m.metrics.InFlightTranscriptions.Add(ctx, 1)
	start := m.now()
	res, err := m.transcribe.Transcribe(ctx, asr.Request{
		Audio:     wav,
		Prompt:    prompt,
		Language:  m.cfg.Language,
		Translate: m.cfg.Translate,
	})
	m.metrics.InFlightTranscriptions.Add(ctx, -1)
	m.metrics.TranscriptionDuration.Record(ctx, m.now().Sub(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", m.transcribe.Name())))

	if err != nil {
		m.handleBackendError(ctx, err)
		return
	}
	m.metrics.RecordProviderRequest(ctx, m.transcribe.Name(), "asr", "ok")

	m.mu.Lock()
	defer m.mu.Unlock()
	m.handleTranscript(ctx, res)
}

// handleBackendError maps backend failures onto client-visible error frames.
// Rate limits and credential problems reach the client; everything else is
// logged and the session continues.
func (m *Manager) handleBackendError(ctx context.Context, err error) {
	m.metrics.RecordProviderError(ctx, m.transcribe.Name(), "asr")
	switch asr.KindOf(err) {
	case asr.KindRateLimited:
		m.sendError(SessionError{Code: CodeRateLimit, Message: "transcription backend throttled; slow down"})
	case asr.KindInvalidCredential:
		m.sendError(SessionError{Code: CodeKeyRequired, Message: "transcription credential missing or rejected"})
	default:
		m.log.Warn("transcription call failed", "error", err)
	}
}

// handleTranscript runs the dedup pipeline and finalize triggers on one
// backend result. Caller holds the mutex.
func (m *Manager) handleTranscript(ctx context.Context, res *asr.Result) {
	text := strings.TrimSpace(res.Text)
	if len(text) < 2 {
		return
	}
	if isDenyListed(text) {
		m.metrics.RecordDrop(ctx, "deny_list")
		return
	}

	trimmed, stripped := stripOverlap(text, m.committedText)
	if stripped > 0 {
		m.metrics.RecordDrop(ctx, "overlap")
		if len(trimmed) < 3 {
			return
		}
		text = trimmed
	}

	if m.dedupe.isFinalized(text) {
		m.metrics.RecordDrop(ctx, "hash")
		return
	}
	if ngramOverlapRatio(text, m.committedText) >= ngramDupRatio {
		m.metrics.RecordDrop(ctx, "ngram")
		return
	}
	if isNearIdentical(text, m.dedupe.lastFinalText) {
		m.metrics.RecordDrop(ctx, "similarity")
		return
	}

	if text == m.lastPartial {
		m.sameTextCount++
	} else {
		m.sameTextCount = 1
		m.lastPartial = text
	}
	m.partialConf = confidenceOf(res)

	reason, ok := m.finalizeTrigger(text)
	if !ok || m.dedupe.isFinalized(text) {
		return
	}
	m.emitLocked(ctx, FinalSegment{
		Text:           text,
		Confidence:     confidenceOf(res),
		Reason:         reason,
		AudioStartTime: m.speechStart,
		AudioEndTime:   m.speechEnd,
		Duration:       m.speechEnd - m.speechStart,
		Language:       res.Language,
		Translated:     res.Translated,
	})
}

// finalizeTrigger decides whether the pending text should be committed now,
// in fixed priority order.
func (m *Manager) finalizeTrigger(text string) (FinalReason, bool) {
	speechMS := (m.speechEnd - m.speechStart) * 1000
	punct := endsInTerminalPunctuation(text)

	switch {
	case punct && speechMS >= 2000:
		return ReasonPunctuation, true
	case speechMS >= float64(m.cfg.ForceFinalizeTimeout.Milliseconds()):
		return ReasonTimeout, true
	case m.sameTextCount >= 4:
		return ReasonStability, true
	case m.sameTextCount >= 2 && punct:
		return ReasonSentenceComplete, true
	}
	return "", false
}

// commitLocked records a committed segment: its hash, the context tail, and
// a clean partial slate. Caller holds the mutex.
func (m *Manager) commitLocked(ctx context.Context, seg FinalSegment) {
	m.dedupe.markFinalized(seg.Text)
	if m.committedText == "" {
		m.committedText = seg.Text
	} else {
		m.committedText += " " + seg.Text
	}
	m.lastPartial = ""
	m.partialConf = 0
	m.sameTextCount = 0
	m.speechStart = m.speechEnd

	m.metrics.RecordFinal(ctx, string(seg.Reason))
}

// emitLocked commits a segment and pushes it to the finals channel. Caller
// holds the mutex.
func (m *Manager) emitLocked(ctx context.Context, seg FinalSegment) {
	m.commitLocked(ctx, seg)
	select {
	case m.finals <- seg:
	default:
		m.log.Warn("finals channel full, dropping segment", "reason", seg.Reason, "text_len", len(seg.Text))
	}
}

func (m *Manager) sendError(se SessionError) {
	select {
	case m.errs <- se:
	default:
		m.log.Warn("error channel full", "code", se.Code)
	}
}

// ForceFlush synchronously transcribes whatever the buffer holds and returns
// the terminal segment, or nil when the remainder was too short, empty, or a
// duplicate. Called at session close before the recorder stops. The segment
// is committed but not published on Finals: the session may have another
// live connection draining that channel, and the caller alone delivers and
// persists the flush result.
func (m *Manager) ForceFlush(ctx context.Context) *FinalSegment {
	m.mu.Lock()
	pcm := m.buf.AllSamplesBytes()
	prompt := tailChars(m.committedText, promptContextChars)
	startTS, endTS := m.speechStart, m.lastChunkTS
	m.buf.Clear()
	m.mu.Unlock()

	if time.Duration(audio.DurationMS(pcm))*time.Millisecond < minFlushDuration {
		return nil
	}

	res, err := m.transcribe.Transcribe(ctx, asr.Request{
		Audio:     audio.PCMToWAV(pcm, audio.SampleRate),
		Prompt:    prompt,
		Language:  m.cfg.Language,
		Translate: m.cfg.Translate,
	})
	if err != nil {
		m.handleBackendError(ctx, err)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	text := strings.TrimSpace(res.Text)
	if len(text) < 2 || isDenyListed(text) || m.dedupe.isFinalized(text) {
		return nil
	}
	if trimmed, stripped := stripOverlap(text, m.committedText); stripped > 0 {
		if len(trimmed) < 3 {
			return nil
		}
		text = trimmed
	}
	if ngramOverlapRatio(text, m.committedText) >= ngramDupRatio {
		return nil
	}

	seg := FinalSegment{
		Text:           text,
		Confidence:     confidenceOf(res),
		Reason:         ReasonFlush,
		AudioStartTime: startTS,
		AudioEndTime:   endTS,
		Duration:       endTS - startTS,
		Language:       res.Language,
		Translated:     res.Translated,
	}
	m.commitLocked(ctx, seg)
	return &seg
}

// Reset drops all per-session state: buffer, partials, dedup memory, and
// clocks.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf.Clear()
	m.dedupe.reset()
	m.lastPartial = ""
	m.partialConf = 0
	m.committedText = ""
	m.sameTextCount = 0
	m.isSpeaking = false
	m.silenceMS = 0
	m.lastChunkTS = 0
	m.speechStart = 0
	m.speechEnd = 0
	m.lastSpeechWall = time.Time{}
	m.lastCallWall = time.Time{}
	m.sessionStart = m.now()
}

// CommittedText returns the concatenated final transcript so far.
func (m *Manager) CommittedText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committedText
}

// confidenceOf derives a 0..1 confidence from segment log-probabilities.
// Whisper reports avg_logprob per segment; its exponential is a usable
// confidence proxy. Without segments the value is a neutral 0.9.
func confidenceOf(res *asr.Result) float64 {
	if len(res.Segments) == 0 {
		return 0.9
	}
	var sum float64
	for _, s := range res.Segments {
		sum += math.Exp(s.AvgLogProb)
	}
	c := sum / float64(len(res.Segments))
	return math.Min(math.Max(c, 0), 1)
}

// tailChars returns the last n characters of s on a rune boundary.
func tailChars(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
