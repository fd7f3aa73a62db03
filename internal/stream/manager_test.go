package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minutehq/minute/pkg/audio"
	"github.com/minutehq/minute/pkg/provider/asr"
	"github.com/minutehq/minute/pkg/provider/vad/mock"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubASR struct {
	mu      sync.Mutex
	results []*asr.Result
	err     error
	calls   int
}

func (s *stubASR) Transcribe(ctx context.Context, req asr.Request) (*asr.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.results) == 0 {
		return &asr.Result{}, nil
	}
	r := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return r, nil
}

func (s *stubASR) Name() string { return "stub" }

func (s *stubASR) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// halfSecond is 500 ms of PCM16 at 16 kHz.
func halfSecond() []byte { return make([]byte, audio.SampleRate) }

func newTestManager(stub *stubASR, det *mock.Detector, clock *fakeClock) *Manager {
	m := NewManager(stub, det, Config{
		WindowSamples: 2 * audio.SampleRate,
		SlideSamples:  audio.SampleRate / 2,
		// Gate hard so each test controls exactly when calls happen.
		MinCallInterval: 10 * time.Second,
	}, discardLogger(), nil)
	m.now = clock.now
	return m
}

func TestPunctuationFinalEmittedOnce(t *testing.T) {
	stub := &stubASR{results: []*asr.Result{{Text: "Hello world."}}}
	clock := newFakeClock()
	m := newTestManager(stub, mock.Speech(), clock)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		m.ProcessFrame(ctx, halfSecond(), float64(i)*0.5)
		clock.advance(500 * time.Millisecond)
	}

	select {
	case seg := <-m.Finals():
		if seg.Reason != ReasonPunctuation {
			t.Errorf("reason = %q, want punctuation", seg.Reason)
		}
		if seg.Text != "Hello world." {
			t.Errorf("text = %q", seg.Text)
		}
		if seg.Duration < 1.9 || seg.Duration > 3.1 {
			t.Errorf("duration = %f, want ~2-3s", seg.Duration)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no final emitted")
	}

	select {
	case seg := <-m.Finals():
		t.Errorf("unexpected second final: %+v", seg)
	case <-time.After(100 * time.Millisecond):
	}
	if n := stub.callCount(); n != 1 {
		t.Errorf("backend calls = %d, want 1", n)
	}
}

func TestSilenceFinalizesPendingPartial(t *testing.T) {
	stub := &stubASR{}
	clock := newFakeClock()
	m := newTestManager(stub, mock.Silence(), clock)
	ctx := context.Background()

	m.mu.Lock()
	m.lastPartial = "we should circle back tomorrow"
	m.isSpeaking = true
	m.speechStart = 0
	m.speechEnd = 2.5
	m.lastChunkTS = 2.5
	m.mu.Unlock()

	for i := 0; i < 3; i++ {
		m.ProcessFrame(ctx, halfSecond(), 2.5+float64(i)*0.5)
		clock.advance(500 * time.Millisecond)
	}

	select {
	case seg := <-m.Finals():
		if seg.Reason != ReasonSilence {
			t.Errorf("reason = %q, want silence", seg.Reason)
		}
		if seg.Text != "we should circle back tomorrow" {
			t.Errorf("text = %q", seg.Text)
		}
		if seg.AudioStartTime != 0 || seg.AudioEndTime != 2.5 {
			t.Errorf("bounds = [%f, %f]", seg.AudioStartTime, seg.AudioEndTime)
		}
	default:
		t.Fatal("no silence final emitted")
	}
	if stub.callCount() != 0 {
		t.Errorf("backend called %d times during silence", stub.callCount())
	}
}

func TestSilenceOnlyEmitsNothing(t *testing.T) {
	stub := &stubASR{}
	clock := newFakeClock()
	m := newTestManager(stub, mock.Silence(), clock)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		m.ProcessFrame(ctx, halfSecond(), float64(i)*0.5)
		clock.advance(500 * time.Millisecond)
	}

	select {
	case seg := <-m.Finals():
		t.Errorf("unexpected final from silence: %+v", seg)
	default:
	}
	if stub.callCount() != 0 {
		t.Errorf("backend calls = %d, want 0", stub.callCount())
	}
}

func TestDuplicateTranscriptDropped(t *testing.T) {
	m := newTestManager(&stubASR{}, mock.Speech(), newFakeClock())
	ctx := context.Background()

	m.mu.Lock()
	m.speechStart, m.speechEnd = 0, 3.0
	m.handleTranscript(ctx, &asr.Result{Text: "The report is done."})
	m.handleTranscript(ctx, &asr.Result{Text: "The report is done."})
	m.mu.Unlock()

	count := 0
	for {
		select {
		case <-m.Finals():
			count++
			continue
		default:
		}
		break
	}
	if count != 1 {
		t.Errorf("finals = %d, want 1", count)
	}
}

func TestStabilityTrigger(t *testing.T) {
	m := newTestManager(&stubASR{}, mock.Speech(), newFakeClock())
	ctx := context.Background()

	m.mu.Lock()
	m.speechStart, m.speechEnd = 0, 3.0
	for i := 0; i < 4; i++ {
		m.handleTranscript(ctx, &asr.Result{Text: "and then we looked at the logs"})
	}
	m.mu.Unlock()

	select {
	case seg := <-m.Finals():
		if seg.Reason != ReasonStability {
			t.Errorf("reason = %q, want stability", seg.Reason)
		}
	default:
		t.Fatal("no final after four identical results")
	}
}

func TestTimeoutTrigger(t *testing.T) {
	m := newTestManager(&stubASR{}, mock.Speech(), newFakeClock())
	ctx := context.Background()

	m.mu.Lock()
	m.speechStart, m.speechEnd = 0, 7.0
	m.handleTranscript(ctx, &asr.Result{Text: "a run-on that never reaches a sentence boundary"})
	m.mu.Unlock()

	select {
	case seg := <-m.Finals():
		if seg.Reason != ReasonTimeout {
			t.Errorf("reason = %q, want timeout", seg.Reason)
		}
	default:
		t.Fatal("no final after force-finalize timeout")
	}
}

func TestSentenceCompleteTrigger(t *testing.T) {
	m := newTestManager(&stubASR{}, mock.Speech(), newFakeClock())
	ctx := context.Background()

	// Punctuated but too short for the punctuation trigger; two stable
	// repeats commit it instead.
	m.mu.Lock()
	m.speechStart, m.speechEnd = 0, 1.5
	m.handleTranscript(ctx, &asr.Result{Text: "Sounds good."})
	m.handleTranscript(ctx, &asr.Result{Text: "Sounds good."})
	m.mu.Unlock()

	select {
	case seg := <-m.Finals():
		if seg.Reason != ReasonSentenceComplete {
			t.Errorf("reason = %q, want sentence_complete", seg.Reason)
		}
	default:
		t.Fatal("no final after two punctuated repeats")
	}
}

func TestDenyListedTranscriptDropped(t *testing.T) {
	m := newTestManager(&stubASR{}, mock.Speech(), newFakeClock())
	ctx := context.Background()

	m.mu.Lock()
	m.speechStart, m.speechEnd = 0, 3.0
	m.handleTranscript(ctx, &asr.Result{Text: "Thank you."})
	m.mu.Unlock()

	select {
	case seg := <-m.Finals():
		t.Errorf("hallucination emitted: %+v", seg)
	default:
	}
}

func TestOverlapStrippedBeforeEmit(t *testing.T) {
	m := newTestManager(&stubASR{}, mock.Speech(), newFakeClock())
	ctx := context.Background()

	m.mu.Lock()
	m.committedText = "we shipped the release on friday and nothing broke"
	m.speechStart, m.speechEnd = 0, 3.0
	m.handleTranscript(ctx, &asr.Result{
		Text: "on friday and nothing broke so we can close the milestone.",
	})
	m.mu.Unlock()

	select {
	case seg := <-m.Finals():
		if strings.Contains(seg.Text, "nothing broke") {
			t.Errorf("overlap survived: %q", seg.Text)
		}
		if !strings.HasSuffix(seg.Text, "milestone.") {
			t.Errorf("new content lost: %q", seg.Text)
		}
	default:
		t.Fatal("no final emitted")
	}
}

func TestOverlappingWindowsEmitEveryWordOnce(t *testing.T) {
	m := newTestManager(&stubASR{}, mock.Speech(), newFakeClock())
	ctx := context.Background()

	// Three consecutive windows, each sharing its head with the previous
	// window's tail. Four identical results per window hit the stability
	// trigger.
	windows := []string{
		"Hello how are you doing",
		"are you doing today really",
		"today really well thanks",
	}
	m.mu.Lock()
	m.speechStart, m.speechEnd = 0, 3.0
	for _, w := range windows {
		for i := 0; i < 4; i++ {
			m.handleTranscript(ctx, &asr.Result{Text: w})
		}
	}
	m.mu.Unlock()

	var finals []FinalSegment
	for {
		select {
		case seg := <-m.Finals():
			finals = append(finals, seg)
			continue
		default:
		}
		break
	}
	if len(finals) != 3 {
		t.Fatalf("finals = %d (%+v), want 3", len(finals), finals)
	}

	got := m.CommittedText()
	want := "Hello how are you doing today really well thanks"
	if got != want {
		t.Errorf("committed = %q, want %q", got, want)
	}
	counts := map[string]int{}
	for _, w := range strings.Fields(strings.ToLower(got)) {
		counts[w]++
	}
	for w, n := range counts {
		if n != 1 {
			t.Errorf("word %q committed %d times", w, n)
		}
	}

	m.mu.Lock()
	hashes := len(m.dedupe.finalizedHashes)
	m.mu.Unlock()
	if hashes != len(finals) {
		t.Errorf("finalized hashes = %d, finals = %d", hashes, len(finals))
	}
}

func TestSilenceFinalCarriesBackendConfidence(t *testing.T) {
	m := newTestManager(&stubASR{}, mock.Speech(), newFakeClock())
	ctx := context.Background()

	m.mu.Lock()
	m.speechStart, m.speechEnd = 0, 2.0
	m.handleTranscript(ctx, &asr.Result{
		Text:     "let me pull up the numbers",
		Segments: []asr.Segment{{AvgLogProb: math.Log(0.6)}},
	})
	m.isSpeaking = true
	m.finalizeOnSilence(ctx)
	m.mu.Unlock()

	select {
	case seg := <-m.Finals():
		if seg.Reason != ReasonSilence {
			t.Errorf("reason = %q, want silence", seg.Reason)
		}
		if math.Abs(seg.Confidence-0.6) > 1e-6 {
			t.Errorf("confidence = %f, want 0.6", seg.Confidence)
		}
	default:
		t.Fatal("no silence final emitted")
	}
}

func TestTimestampRegressionClamped(t *testing.T) {
	m := newTestManager(&stubASR{}, mock.Silence(), newFakeClock())
	ctx := context.Background()

	m.ProcessFrame(ctx, halfSecond(), 5.0)
	m.ProcessFrame(ctx, halfSecond(), 1.0)

	m.mu.Lock()
	got := m.lastChunkTS
	m.mu.Unlock()
	if got < 5.09 || got > 5.11 {
		t.Errorf("lastChunkTS = %f, want 5.1", got)
	}
}

func TestForceFlush(t *testing.T) {
	stub := &stubASR{results: []*asr.Result{{Text: "That wraps it up."}}}
	clock := newFakeClock()
	m := newTestManager(stub, mock.Silence(), clock)
	ctx := context.Background()

	m.ProcessFrame(ctx, halfSecond(), 0)
	m.ProcessFrame(ctx, halfSecond(), 0.5)

	seg := m.ForceFlush(ctx)
	if seg == nil {
		t.Fatal("ForceFlush returned nil with 1s buffered")
	}
	if seg.Reason != ReasonFlush {
		t.Errorf("reason = %q, want flush", seg.Reason)
	}
	if seg.Text != "That wraps it up." {
		t.Errorf("text = %q", seg.Text)
	}
	if got := m.CommittedText(); got != "That wraps it up." {
		t.Errorf("committed text = %q", got)
	}

	// The caller delivers the returned segment itself; a copy on the finals
	// channel would reach another connection of the same session too.
	select {
	case dup := <-m.Finals():
		t.Errorf("flush segment also published on finals channel: %+v", dup)
	default:
	}

	// Buffer was cleared; a second flush has nothing to transcribe.
	if again := m.ForceFlush(ctx); again != nil {
		t.Errorf("second flush returned %+v", again)
	}
}

func TestForceFlushSkipsShortBuffer(t *testing.T) {
	stub := &stubASR{}
	m := newTestManager(stub, mock.Silence(), newFakeClock())
	ctx := context.Background()

	m.ProcessFrame(ctx, make([]byte, 6400), 0) // 200 ms

	if seg := m.ForceFlush(ctx); seg != nil {
		t.Errorf("flush of 200ms returned %+v", seg)
	}
	if stub.callCount() != 0 {
		t.Error("backend called for a sub-threshold flush")
	}
}

func TestBackendErrorMapping(t *testing.T) {
	m := newTestManager(&stubASR{}, mock.Speech(), newFakeClock())
	ctx := context.Background()

	m.handleBackendError(ctx, &asr.Error{Kind: asr.KindRateLimited, Err: errors.New("throttled")})
	select {
	case se := <-m.Errors():
		if se.Code != CodeRateLimit {
			t.Errorf("code = %q, want %q", se.Code, CodeRateLimit)
		}
	default:
		t.Fatal("rate limit not surfaced")
	}

	m.handleBackendError(ctx, &asr.Error{Kind: asr.KindInvalidCredential, Err: errors.New("401")})
	select {
	case se := <-m.Errors():
		if se.Code != CodeKeyRequired {
			t.Errorf("code = %q, want %q", se.Code, CodeKeyRequired)
		}
	default:
		t.Fatal("credential error not surfaced")
	}

	// Transient problems are logged, never sent to the client.
	m.handleBackendError(ctx, errors.New("connection reset"))
	select {
	case se := <-m.Errors():
		t.Errorf("unexpected error frame: %+v", se)
	default:
	}
}

func TestReset(t *testing.T) {
	m := newTestManager(&stubASR{}, mock.Speech(), newFakeClock())
	ctx := context.Background()

	m.ProcessFrame(ctx, halfSecond(), 0)
	m.mu.Lock()
	m.lastPartial = "pending"
	m.committedText = "earlier text"
	m.dedupe.markFinalized("earlier text")
	m.mu.Unlock()

	m.Reset()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastPartial != "" || m.committedText != "" {
		t.Error("text state survived reset")
	}
	if m.buf.Fill() != 0 {
		t.Error("buffer survived reset")
	}
	if m.dedupe.isFinalized("earlier text") {
		t.Error("dedup memory survived reset")
	}
}
