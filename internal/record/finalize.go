package record

import (
	"context"
	"log/slog"
	"path"
	"time"

	"github.com/minutehq/minute/internal/observe"
	"github.com/minutehq/minute/pkg/audio"
	"github.com/minutehq/minute/pkg/storage"
)

// Finalize statuses. Only completed means a playable recording exists.
const (
	StatusCompleted        = "completed"
	StatusNoRecording      = "no_recording"
	StatusMergeFailed      = "merge_failed"
	StatusConversionFailed = "conversion_failed"
	StatusStorageFailed    = "storage_failed"
)

// FinalizeResult reports one finalization run.
type FinalizeResult struct {
	Status          string  `json:"status"`
	MeetingID       string  `json:"meeting_id"`
	Bytes           int     `json:"bytes"`
	DurationSeconds float64 `json:"duration_seconds"`
	Error           string  `json:"error,omitempty"`
}

// Finalizer turns a meeting's chunk set into a single recording.wav and,
// optionally, kicks off diarization. Runs detached from the session close
// path; its failure never blocks a client response.
type Finalizer struct {
	backend     storage.Backend
	chunkPrefix string

	// deleteChunks removes the raw chunk PCMs once recording.wav is safely
	// written (DELETE_LOCAL_AFTER_UPLOAD).
	deleteChunks bool

	// diarize, when set, is spawned detached after a successful run.
	diarize func(meetingID string)

	log     *slog.Logger
	metrics *observe.Metrics
}

// NewFinalizer builds a finalizer over the given backend. diarize may be nil.
func NewFinalizer(backend storage.Backend, chunkPrefix string, deleteChunks bool, diarize func(meetingID string), log *slog.Logger, metrics *observe.Metrics) *Finalizer {
	if chunkPrefix == "" {
		chunkPrefix = DefaultChunkPrefix
	}
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Finalizer{
		backend:      backend,
		chunkPrefix:  chunkPrefix,
		deleteChunks: deleteChunks,
		diarize:      diarize,
		log:          log,
		metrics:      metrics,
	}
}

// Finalize merges, converts, and stores the recording for meetingID.
// Idempotent: a second run finds recording.wav and returns completed without
// rewriting anything.
func (f *Finalizer) Finalize(ctx context.Context, meetingID string) FinalizeResult {
	ctx, span := observe.StartSpan(ctx, "record.finalize")
	defer span.End()

	start := time.Now()
	res := FinalizeResult{MeetingID: meetingID}
	log := f.log.With("meeting_id", meetingID)

	defer func() {
		f.metrics.FinalizeDuration.Record(ctx, time.Since(start).Seconds())
		log.Info("finalize finished",
			"status", res.Status, "bytes", res.Bytes, "duration_s", res.DurationSeconds)
	}()

	wavKey := path.Join(meetingID, "recording.wav")
	if ok, err := f.backend.FileExists(ctx, wavKey); err == nil && ok {
		res.Status = StatusCompleted
		f.spawnDiarize(meetingID)
		return res
	}

	pcm, err := MergeChunks(ctx, f.backend, meetingID, f.chunkPrefix)
	if err != nil {
		res.Status = StatusMergeFailed
		res.Error = err.Error()
		return res
	}
	if len(pcm) == 0 {
		res.Status = StatusNoRecording
		return res
	}

	// A stored merged artifact may already be WAV-wrapped.
	var wav []byte
	if audio.IsWAV(pcm) {
		wav = pcm
		pcm, err = audio.WAVToPCM(wav)
		if err != nil {
			res.Status = StatusConversionFailed
			res.Error = err.Error()
			return res
		}
	} else {
		wav = audio.PCMToWAV(pcm, audio.SampleRate)
	}
	res.Bytes = len(wav)
	res.DurationSeconds = audio.DurationMS(pcm) / 1000

	if err := f.backend.UploadBytes(ctx, wavKey, wav); err != nil {
		res.Status = StatusStorageFailed
		res.Error = err.Error()
		return res
	}

	if f.deleteChunks {
		if err := f.backend.DeletePrefix(ctx, path.Join(meetingID, f.chunkPrefix)); err != nil {
			// Leftover chunks waste space but the recording is safe.
			log.Warn("chunk cleanup failed", "error", err)
		}
	}

	res.Status = StatusCompleted
	f.spawnDiarize(meetingID)
	return res
}

func (f *Finalizer) spawnDiarize(meetingID string) {
	if f.diarize == nil {
		return
	}
	go f.diarize(meetingID)
}
