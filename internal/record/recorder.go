// Package record captures raw meeting audio in bounded chunks alongside the
// live transcription path, and finalizes recordings into a single WAV after
// the meeting ends. Chunk persistence is asynchronous so the frame path
// never waits on storage.
package record

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/minutehq/minute/internal/observe"
	"github.com/minutehq/minute/pkg/audio"
	"github.com/minutehq/minute/pkg/storage"
)

// DefaultChunkSeconds is the target duration of one persisted chunk.
const DefaultChunkSeconds = 30

// DefaultChunkPrefix is the sub-prefix chunks live under within a meeting.
const DefaultChunkPrefix = "pcm_chunks"

// bytesPerSecond for 16 kHz mono PCM16.
const bytesPerSecond = audio.SampleRate * 2

// Config tunes one recorder.
type Config struct {
	ChunkSeconds int
	ChunkPrefix  string
}

// ChunkInfo describes one persisted chunk in metadata.json.
type ChunkInfo struct {
	Index       int     `json:"index"`
	File        string  `json:"file"`
	OffsetBytes int64   `json:"offset_bytes"`
	SizeBytes   int     `json:"size_bytes"`
	DurationMS  float64 `json:"duration_ms"`
}

// Metadata is the record written at stop time.
type Metadata struct {
	MeetingID    string      `json:"meeting_id"`
	Format       AudioFormat `json:"format"`
	Chunks       []ChunkInfo `json:"chunks"`
	TotalBytes   int64       `json:"total_bytes"`
	DurationSecs float64     `json:"duration_seconds"`
	StartedAt    time.Time   `json:"started_at"`
	StoppedAt    time.Time   `json:"stopped_at"`
}

// AudioFormat describes the stored sample format.
type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	BitDepth   int    `json:"bit_depth"`
}

func pcmFormat() AudioFormat {
	return AudioFormat{Encoding: "pcm_s16le", SampleRate: audio.SampleRate, Channels: 1, BitDepth: 16}
}

// Status is a point-in-time view of a recorder.
type Status struct {
	Active            bool    `json:"active"`
	ElapsedSeconds    float64 `json:"elapsed_seconds"`
	ChunksSaved       int     `json:"chunks_saved"`
	StagingDurationMS float64 `json:"staging_duration_ms"`
}

// Recorder accumulates PCM for one meeting and persists it in chunks.
// AddChunk is cheap: it appends to a staging buffer and, at a chunk
// boundary, swaps the buffer synchronously and persists the full one in the
// background.
type Recorder struct {
	meetingID string
	backend   storage.Backend
	cfg       Config
	log       *slog.Logger
	metrics   *observe.Metrics

	mu        sync.Mutex // staging buffer, persist queue, index, counters
	staging   []byte
	persistQ  [][]byte // full buffers awaiting write, in swap order
	draining  bool
	index     int
	offset    int64
	chunks    []ChunkInfo
	active    bool
	startedAt time.Time

	wg sync.WaitGroup
}

// NewRecorder creates a recorder for meetingID on the given backend.
func NewRecorder(meetingID string, backend storage.Backend, cfg Config, log *slog.Logger, metrics *observe.Metrics) *Recorder {
	if cfg.ChunkSeconds <= 0 {
		cfg.ChunkSeconds = DefaultChunkSeconds
	}
	if cfg.ChunkPrefix == "" {
		cfg.ChunkPrefix = DefaultChunkPrefix
	}
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Recorder{
		meetingID: meetingID,
		backend:   backend,
		cfg:       cfg,
		log:       log.With("meeting_id", meetingID),
		metrics:   metrics,
	}
}

// Start marks the recorder active. Returns false when already running.
func (r *Recorder) Start(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return false
	}
	r.active = true
	r.startedAt = time.Now()
	r.metrics.ActiveRecorders.Add(ctx, 1)
	r.log.Info("recording started", "chunk_seconds", r.cfg.ChunkSeconds, "backend", r.backend.Name())
	return true
}

func (r *Recorder) chunkSize() int {
	return r.cfg.ChunkSeconds * bytesPerSecond
}

func chunkFileName(index int) string {
	return fmt.Sprintf("chunk_%05d.pcm", index)
}

func (r *Recorder) chunkKey(name string) string {
	return path.Join(r.meetingID, r.cfg.ChunkPrefix, name)
}

// AddChunk appends PCM bytes to the staging buffer. When the buffer reaches
// the chunk size it is queued for persistence and a background drainer writes
// it out; the caller never waits on storage.
func (r *Recorder) AddChunk(ctx context.Context, b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	r.staging = append(r.staging, b...)
	if len(r.staging) < r.chunkSize() {
		return
	}
	r.persistQ = append(r.persistQ, r.staging)
	r.staging = make([]byte, 0, r.chunkSize())
	if !r.draining {
		r.draining = true
		r.wg.Add(1)
		go r.drain(context.WithoutCancel(ctx))
	}
}

// drain writes queued buffers one at a time in the order they filled. A
// single drainer runs at a time, so a slow backend write cannot let a later
// buffer claim an earlier chunk index.
func (r *Recorder) drain(ctx context.Context) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if len(r.persistQ) == 0 {
			r.draining = false
			r.mu.Unlock()
			return
		}
		data := r.persistQ[0]
		r.persistQ = r.persistQ[1:]
		r.mu.Unlock()
		r.persist(ctx, data)
	}
}

// persist writes one chunk. Only the drainer and Stop call it, never
// concurrently. The index advances only after a successful write, so a
// failed chunk is retried at the same index by the next buffer.
func (r *Recorder) persist(ctx context.Context, data []byte) {
	r.mu.Lock()
	index := r.index
	offset := r.offset
	r.mu.Unlock()

	name := chunkFileName(index)
	if err := r.backend.UploadBytes(ctx, r.chunkKey(name), data); err != nil {
		r.log.Error("chunk write failed, will retry at next boundary", "chunk", name, "error", err)
		return
	}

	durationMS := float64(len(data)) / bytesPerSecond * 1000
	r.mu.Lock()
	r.index++
	r.offset += int64(len(data))
	r.chunks = append(r.chunks, ChunkInfo{
		Index:       index,
		File:        name,
		OffsetBytes: offset,
		SizeBytes:   len(data),
		DurationMS:  durationMS,
	})
	r.mu.Unlock()

	r.metrics.ChunksPersisted.Add(ctx, 1)
	r.metrics.RecordingBytes.Add(ctx, int64(len(data)))
	r.log.Debug("chunk persisted", "chunk", name, "bytes", len(data))
}

// Stop flushes the residual staging bytes as a final chunk, writes
// metadata.json, and returns the recording metadata.
func (r *Recorder) Stop(ctx context.Context) (Metadata, error) {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return Metadata{}, fmt.Errorf("record: recorder for %s not active", r.meetingID)
	}
	r.active = false
	residual := r.staging
	r.staging = nil
	startedAt := r.startedAt
	r.mu.Unlock()

	// In-flight boundary chunks first, then the tail, so indexes stay ordered.
	r.wg.Wait()
	if len(residual) > 0 {
		r.persist(ctx, residual)
	}

	r.mu.Lock()
	meta := Metadata{
		MeetingID: r.meetingID,
		Format:    pcmFormat(),
		Chunks:    r.chunks,
		StartedAt: startedAt,
		StoppedAt: time.Now(),
	}
	r.mu.Unlock()
	for _, c := range meta.Chunks {
		meta.TotalBytes += int64(c.SizeBytes)
	}
	meta.DurationSecs = float64(meta.TotalBytes) / bytesPerSecond

	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return meta, fmt.Errorf("record: encode metadata: %w", err)
	}
	if err := r.backend.UploadBytes(ctx, r.chunkKey("metadata.json"), raw); err != nil {
		return meta, fmt.Errorf("record: write metadata: %w", err)
	}

	r.metrics.ActiveRecorders.Add(ctx, -1)
	r.log.Info("recording stopped",
		"chunks", len(meta.Chunks), "bytes", meta.TotalBytes, "duration_s", meta.DurationSecs)
	return meta, nil
}

// Status reports the recorder's current state.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		Active:            r.active,
		ChunksSaved:       len(r.chunks),
		StagingDurationMS: float64(len(r.staging)) / bytesPerSecond * 1000,
	}
	if r.active {
		st.ElapsedSeconds = time.Since(r.startedAt).Seconds()
	}
	return st
}

// Merged artifact names checked before re-concatenating chunks.
var mergedArtifacts = []string{"merged_recording.pcm", "recording.wav", "merged_recording.wav"}

// MergeChunks returns the full recording as raw bytes. An existing merged
// artifact under the meeting prefix wins; otherwise every chunk_*.pcm is
// concatenated in index order. Returns nil when no audio exists at all.
func MergeChunks(ctx context.Context, backend storage.Backend, meetingID, chunkPrefix string) ([]byte, error) {
	if chunkPrefix == "" {
		chunkPrefix = DefaultChunkPrefix
	}
	for _, name := range mergedArtifacts {
		key := path.Join(meetingID, name)
		ok, err := backend.FileExists(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("record: check %s: %w", key, err)
		}
		if ok {
			return backend.DownloadBytes(ctx, key)
		}
	}

	keys, err := backend.ListFiles(ctx, path.Join(meetingID, chunkPrefix))
	if err != nil {
		return nil, fmt.Errorf("record: list chunks for %s: %w", meetingID, err)
	}
	var chunkKeys []string
	for _, k := range keys {
		if strings.HasPrefix(path.Base(k), "chunk_") && strings.HasSuffix(k, ".pcm") {
			chunkKeys = append(chunkKeys, k)
		}
	}
	if len(chunkKeys) == 0 {
		return nil, nil
	}
	// Zero-padded indexes make lexicographic order chronological.
	sort.Strings(chunkKeys)

	var merged []byte
	for _, k := range chunkKeys {
		b, err := backend.DownloadBytes(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("record: read chunk %s: %w", k, err)
		}
		merged = append(merged, b...)
	}
	return merged, nil
}

// RenameRecorderFolder moves a recording prefix from a session id to the
// durable meeting id a session was later bound to.
func RenameRecorderFolder(ctx context.Context, backend storage.Backend, oldID, newID string) error {
	keys, err := backend.ListFiles(ctx, oldID)
	if err != nil {
		return fmt.Errorf("record: list %s: %w", oldID, err)
	}
	for _, k := range keys {
		rel := strings.TrimPrefix(k, oldID)
		rel = strings.TrimPrefix(rel, "/")
		if err := backend.CopyFile(ctx, k, path.Join(newID, rel)); err != nil {
			return fmt.Errorf("record: copy %s: %w", k, err)
		}
	}
	if err := backend.DeletePrefix(ctx, oldID); err != nil {
		return fmt.Errorf("record: delete old prefix %s: %w", oldID, err)
	}
	return nil
}
