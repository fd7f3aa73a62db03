package server_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/minutehq/minute/internal/align"
	"github.com/minutehq/minute/internal/diarize"
	"github.com/minutehq/minute/internal/record"
	"github.com/minutehq/minute/internal/server"
	"github.com/minutehq/minute/internal/store"
	"github.com/minutehq/minute/internal/stream"
	"github.com/minutehq/minute/pkg/audio"
	"github.com/minutehq/minute/pkg/provider/asr"
	"github.com/minutehq/minute/pkg/provider/vad/mock"
	"github.com/minutehq/minute/pkg/storage/local"
)

type stubTranscriber struct {
	mu    sync.Mutex
	text  string
	calls int
}

func (s *stubTranscriber) Transcribe(ctx context.Context, req asr.Request) (*asr.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return &asr.Result{Text: s.text}, nil
}

func (s *stubTranscriber) Name() string { return "stub" }

type fixture struct {
	ts      *httptest.Server
	store   *store.MemoryStore
	backend *local.Backend
}

func newFixture(t *testing.T, tr asr.Transcriber) *fixture {
	t.Helper()
	backend, err := local.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemoryStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv := server.New(server.Config{
		RecordingEnabled: true,
		Stream: stream.Config{
			WindowSamples:   audio.SampleRate,
			SlideSamples:    audio.SampleRate / 4,
			MinCallInterval: time.Millisecond,
		},
		Record: record.Config{ChunkSeconds: 1},
	}, server.Deps{
		Store:       st,
		Backend:     backend,
		Detector:    mock.Speech(),
		Transcriber: tr,
		Finalizer:   record.NewFinalizer(backend, "", false, nil, log, nil),
		Diarizer:    diarize.NewService(diarize.Config{}, backend, st, nil, log, nil),
		Log:         log,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, store: st, backend: backend}
}

func (f *fixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws/streaming-audio" + query
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("message type = %v, want text", typ)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", b, err)
	}
	return m
}

// audioMessage builds a binary frame: 8-byte little-endian float64 timestamp
// followed by PCM.
func audioMessage(ts float64, pcm []byte) []byte {
	msg := make([]byte, 8+len(pcm))
	binary.LittleEndian.PutUint64(msg, math.Float64bits(ts))
	copy(msg[8:], pcm)
	return msg
}

func TestStreamConnectedAndPing(t *testing.T) {
	f := newFixture(t, &stubTranscriber{text: "hi"})
	conn := f.dial(t, "?session_id=s1&meeting_id=m1")
	defer conn.Close(websocket.StatusNormalClosure, "")

	frame := readFrame(t, conn)
	if frame["type"] != "connected" || frame["session_id"] != "s1" {
		t.Fatalf("first frame = %v", frame)
	}
	if _, ok := frame["timestamp"]; !ok {
		t.Error("connected frame lacks timestamp")
	}

	ctx := context.Background()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatal(err)
	}
	if frame := readFrame(t, conn); frame["type"] != "pong" {
		t.Errorf("ping answered with %v", frame)
	}
}

func TestStreamMissingCredential(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, "")
	defer conn.Close(websocket.StatusNormalClosure, "")

	frame := readFrame(t, conn)
	if frame["type"] != "error" || frame["code"] != "GROQ_KEY_REQUIRED" {
		t.Fatalf("frame = %v", frame)
	}
}

func TestStreamEndToEnd(t *testing.T) {
	tr := &stubTranscriber{text: "Meeting notes are ready."}
	f := newFixture(t, tr)
	conn := f.dial(t, "?session_id=s1&meeting_id=m1")

	if frame := readFrame(t, conn); frame["type"] != "connected" {
		t.Fatalf("first frame = %v", frame)
	}

	// Half-second frames, timestamped. The second frame makes the window
	// viable; repeated identical backend results finalize the sentence.
	ctx := context.Background()
	half := make([]byte, audio.SampleRate) // 500 ms of PCM16
	for i := 0; i < 8; i++ {
		msg := audioMessage(float64(i)*0.5, half)
		if err := conn.Write(ctx, websocket.MessageBinary, msg); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	var final map[string]any
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		frame := readFrame(t, conn)
		if frame["type"] == "final" {
			final = frame
			break
		}
	}
	if final == nil {
		t.Fatal("no final frame received")
	}
	if final["text"] != "Meeting notes are ready." {
		t.Errorf("final text = %v", final["text"])
	}
	if final["reason"] == "" {
		t.Error("final frame lacks reason")
	}

	conn.Close(websocket.StatusNormalClosure, "done")

	// The emitted final is durably persisted with the live source tag.
	var segs []store.LiveSegment
	for time.Now().Before(deadline) {
		segs, _ = f.store.ListLiveSegments(ctx, "m1")
		if len(segs) > 0 {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	if len(segs) == 0 {
		t.Fatal("final segment not persisted")
	}
	if segs[0].Source != store.SourceLive || segs[0].AlignmentState != "CONFIDENT" {
		t.Errorf("segment = %+v", segs[0])
	}

	// Session close stops the recorder and hands off to the finalizer.
	for time.Now().Before(deadline) {
		if ok, _ := f.backend.FileExists(ctx, "m1/recording.wav"); ok {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	if ok, _ := f.backend.FileExists(ctx, "m1/recording.wav"); !ok {
		t.Error("recording.wav not produced after session close")
	}
}

func TestFinalizeEndpoint(t *testing.T) {
	f := newFixture(t, &stubTranscriber{text: "hi"})
	ctx := context.Background()

	rec := record.NewRecorder("m2", f.backend, record.Config{ChunkSeconds: 1}, nil, nil)
	rec.Start(ctx)
	rec.AddChunk(ctx, make([]byte, 32000))
	if _, err := rec.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Post(f.ts.URL+"/api/meetings/m2/finalize", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var res record.FinalizeResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Status != record.StatusCompleted {
		t.Errorf("result = %+v", res)
	}
}

func TestFinalizeEndpointNoRecording(t *testing.T) {
	f := newFixture(t, &stubTranscriber{text: "hi"})
	resp, err := http.Post(f.ts.URL+"/api/meetings/nope/finalize", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDiarizeEndpointDisabled(t *testing.T) {
	f := newFixture(t, &stubTranscriber{text: "hi"})
	resp, err := http.Post(f.ts.URL+"/api/meetings/m1/diarize", "application/json",
		bytes.NewBufferString(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestVersionEndpoints(t *testing.T) {
	f := newFixture(t, &stubTranscriber{text: "hi"})
	ctx := context.Background()

	_, err := f.store.SaveVersion(ctx, store.SaveVersionRequest{
		MeetingID: "m1",
		Source:    store.SourceDiarized,
		Content: []align.AlignedSegment{
			{ID: "a", Text: "hello", Speaker: "SPEAKER_0", SpeakerConfidence: 0.9, State: align.StateConfident},
		},
		IsAuthoritative: true,
		CreatedBy:       "diarization/deepgram",
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(f.ts.URL + "/api/meetings/m1/versions")
	if err != nil {
		t.Fatal(err)
	}
	var versions []store.VersionInfo
	if err := json.NewDecoder(resp.Body).Decode(&versions); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(versions) != 1 || versions[0].Version != 1 || !versions[0].IsAuthoritative {
		t.Fatalf("versions = %+v", versions)
	}

	resp, err = http.Get(f.ts.URL + "/api/meetings/m1/versions/1")
	if err != nil {
		t.Fatal(err)
	}
	var content []align.AlignedSegment
	if err := json.NewDecoder(resp.Body).Decode(&content); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(content) != 1 || content[0].Speaker != "SPEAKER_0" {
		t.Fatalf("content = %+v", content)
	}

	resp, err = http.Get(f.ts.URL + "/api/meetings/m1/versions/9")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing version status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, f.ts.URL+"/api/meetings/m1/versions/1", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d", resp.StatusCode)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	f := newFixture(t, &stubTranscriber{text: "hi"})

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(f.ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
	}
}

func TestRecordingStatusEndpoint(t *testing.T) {
	f := newFixture(t, &stubTranscriber{text: "hi"})

	resp, err := http.Get(f.ts.URL + "/api/meetings/idle/recording/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st record.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Active {
		t.Error("idle meeting reports active recorder")
	}
}
