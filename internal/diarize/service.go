// Package diarize runs the post-meeting speaker attribution pipeline: fetch
// the meeting audio, call a cloud diarization provider, align the speaker
// timeline with a reference transcript, and persist the result as an
// authoritative transcript version.
package diarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/minutehq/minute/internal/align"
	"github.com/minutehq/minute/internal/observe"
	"github.com/minutehq/minute/internal/record"
	"github.com/minutehq/minute/internal/store"
	"github.com/minutehq/minute/pkg/audio"
	"github.com/minutehq/minute/pkg/provider/asr"
	"github.com/minutehq/minute/pkg/provider/diarize"
	"github.com/minutehq/minute/pkg/provider/diarize/assemblyai"
	"github.com/minutehq/minute/pkg/provider/diarize/deepgram"
	"github.com/minutehq/minute/pkg/storage"
)

// turnMergeGap is the largest silence between two segments of the same
// speaker that still reads as one turn.
const turnMergeGap = 5.0

// Result statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusDisabled  = "disabled"
)

// Result is the outcome of one diarization run.
type Result struct {
	Status                string                   `json:"status"`
	SpeakerCount          int                      `json:"speaker_count"`
	Segments              []diarize.SpeakerSegment `json:"segments,omitempty"`
	ProcessingTimeSeconds float64                  `json:"processing_time_seconds"`
	Provider              string                   `json:"provider"`
	Version               int                      `json:"version,omitempty"`
	Error                 string                   `json:"error,omitempty"`
}

// Config selects and authenticates the provider.
type Config struct {
	Enabled          bool
	Provider         string // "deepgram" or "assemblyai"
	DeepgramAPIKey   string
	AssemblyAIAPIKey string
	ChunkPrefix      string
}

// Service orchestrates diarization jobs. One job per meeting runs at a time,
// enforced by the store.
type Service struct {
	cfg     Config
	backend storage.Backend
	store   store.Store
	asr     asr.Transcriber
	log     *slog.Logger
	metrics *observe.Metrics

	// newProvider is replaceable in tests.
	newProvider func(name, apiKey string) (diarize.Provider, error)
}

// NewService builds a diarization service. transcriber may be nil; the
// reference transcript then comes solely from the provider's segments.
func NewService(cfg Config, backend storage.Backend, st store.Store, transcriber asr.Transcriber, log *slog.Logger, metrics *observe.Metrics) *Service {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Service{
		cfg:         cfg,
		backend:     backend,
		store:       st,
		asr:         transcriber,
		log:         log,
		metrics:     metrics,
		newProvider: defaultProvider,
	}
}

func defaultProvider(name, apiKey string) (diarize.Provider, error) {
	switch name {
	case "deepgram":
		return deepgram.New(apiKey)
	case "assemblyai":
		return assemblyai.New(apiKey)
	default:
		return nil, fmt.Errorf("diarize: unknown provider %q", name)
	}
}

// Run executes the pipeline for one meeting. audioBytes may be nil, in which
// case the audio is resolved from storage. userCredential, when set,
// overrides the configured provider key for this run.
func (s *Service) Run(ctx context.Context, meetingID string, audioBytes []byte, providerName, userCredential string) Result {
	if !s.cfg.Enabled {
		return Result{Status: StatusDisabled}
	}
	ctx, span := observe.StartSpan(ctx, "diarize.run")
	defer span.End()

	start := time.Now()
	if providerName == "" {
		providerName = s.cfg.Provider
	}
	res := Result{Provider: providerName}
	log := s.log.With("meeting_id", meetingID, "provider", providerName)
	if id := observe.CorrelationID(ctx); id != "" {
		log = log.With("trace_id", id)
	}

	job, err := s.store.CreateJob(ctx, meetingID, providerName)
	if err != nil {
		if errors.Is(err, store.ErrJobActive) {
			return s.fail(ctx, res, "", "diarization already running for this meeting")
		}
		return s.fail(ctx, res, "", err.Error())
	}
	if err := s.store.UpdateJobStatus(ctx, job.ID, store.JobRunning, ""); err != nil {
		log.Warn("job status update failed", "error", err)
	}

	defer func() {
		res.ProcessingTimeSeconds = time.Since(start).Seconds()
		s.metrics.DiarizationDuration.Record(ctx, res.ProcessingTimeSeconds,
			metric.WithAttributes(observe.Attr("provider", providerName), observe.Attr("status", res.Status)))
	}()

	wav, err := s.resolveAudio(ctx, meetingID, audioBytes)
	if err != nil {
		return s.fail(ctx, res, job.ID, err.Error())
	}
	if len(wav) == 0 {
		return s.fail(ctx, res, job.ID, "no recorded audio for meeting")
	}
	if s.stopped(ctx, job.ID) {
		return s.stop(res)
	}

	apiKey := userCredential
	if apiKey == "" {
		apiKey = s.configuredKey(providerName)
	}
	if apiKey == "" {
		return s.fail(ctx, res, job.ID, fmt.Sprintf("no credential for provider %s", providerName))
	}
	provider, err := s.newProvider(providerName, apiKey)
	if err != nil {
		return s.fail(ctx, res, job.ID, err.Error())
	}

	dres, err := provider.Diarize(ctx, wav)
	if err != nil {
		s.metrics.RecordProviderError(ctx, providerName, "diarize")
		return s.fail(ctx, res, job.ID, err.Error())
	}
	s.metrics.RecordProviderRequest(ctx, providerName, "diarize", "ok")
	if s.stopped(ctx, job.ID) {
		return s.stop(res)
	}

	turns := MergeTurns(dres.Segments)
	res.Segments = turns
	res.SpeakerCount = dres.Speakers

	reference, err := s.referenceTranscript(ctx, wav, turns)
	if err != nil {
		return s.fail(ctx, res, job.ID, err.Error())
	}
	if s.stopped(ctx, job.ID) {
		return s.stop(res)
	}

	aligned, alignMetrics := align.AlignBatch(reference, turns)
	for _, a := range aligned {
		s.metrics.RecordAligned(ctx, string(a.State))
	}

	version, err := s.store.SaveVersion(ctx, store.SaveVersionRequest{
		MeetingID:       meetingID,
		Source:          store.SourceDiarized,
		Content:         aligned,
		IsAuthoritative: true,
		AlignmentConfig: map[string]any{
			"confidence_threshold":    align.ConfidenceThreshold,
			"overlap_threshold":       align.OverlapThreshold,
			"multi_speaker_threshold": align.MultiSpeakerThreshold,
			"word_density_threshold":  align.WordDensityThreshold,
		},
		CreatedBy: "diarization/" + providerName,
	})
	if err != nil {
		return s.fail(ctx, res, job.ID, err.Error())
	}
	res.Version = version

	if err := s.store.UpdateJobStatus(ctx, job.ID, store.JobCompleted, ""); err != nil {
		log.Warn("job status update failed", "error", err)
	}
	res.Status = StatusCompleted
	log.Info("diarization completed",
		"speakers", res.SpeakerCount,
		"segments", len(aligned),
		"confident", alignMetrics.ConfidentCount,
		"avg_confidence", alignMetrics.AvgConfidence,
		"version", version)
	return res
}

func (s *Service) configuredKey(provider string) string {
	switch provider {
	case "deepgram":
		return s.cfg.DeepgramAPIKey
	case "assemblyai":
		return s.cfg.AssemblyAIAPIKey
	}
	return ""
}

// resolveAudio finds the meeting audio: explicit bytes win, then the stored
// WAV, then merged PCM, then re-merging chunks. Raw PCM is WAV-wrapped and
// the wrapped form persisted so the next run skips the work.
func (s *Service) resolveAudio(ctx context.Context, meetingID string, audioBytes []byte) ([]byte, error) {
	raw := audioBytes
	if len(raw) == 0 {
		for _, name := range []string{"recording.wav", "merged_recording.wav", "merged_recording.pcm"} {
			key := path.Join(meetingID, name)
			if ok, err := s.backend.FileExists(ctx, key); err == nil && ok {
				b, err := s.backend.DownloadBytes(ctx, key)
				if err != nil {
					return nil, fmt.Errorf("diarize: read %s: %w", key, err)
				}
				raw = b
				break
			}
		}
	}
	if len(raw) == 0 {
		merged, err := record.MergeChunks(ctx, s.backend, meetingID, s.cfg.ChunkPrefix)
		if err != nil {
			return nil, err
		}
		raw = merged
	}
	if len(raw) == 0 {
		return nil, nil
	}
	if audio.IsWAV(raw) {
		return raw, nil
	}

	wav := audio.PCMToWAV(raw, audio.SampleRate)
	key := path.Join(meetingID, "merged_recording.wav")
	if err := s.backend.UploadBytes(ctx, key, wav); err != nil {
		s.log.Warn("persisting wrapped audio failed", "key", key, "error", err)
	}
	return wav, nil
}

// referenceTranscript prefers the text the provider already attributed; a
// provider that returns bare timelines falls back to a transcription pass.
func (s *Service) referenceTranscript(ctx context.Context, wav []byte, turns []diarize.SpeakerSegment) ([]align.Segment, error) {
	if hasText(turns) {
		segs := make([]align.Segment, 0, len(turns))
		for _, t := range turns {
			segs = append(segs, align.Segment{Text: t.Text, Start: t.Start, End: t.End})
		}
		return segs, nil
	}
	if s.asr == nil {
		return nil, errors.New("diarize: provider returned no text and no transcriber is configured")
	}

	tr, err := s.asr.Transcribe(ctx, asr.Request{Audio: wav})
	if err != nil {
		return nil, fmt.Errorf("diarize: reference transcription: %w", err)
	}
	segs := make([]align.Segment, 0, len(tr.Segments))
	for _, seg := range tr.Segments {
		if strings.TrimSpace(seg.Text) == "" {
			continue
		}
		segs = append(segs, align.Segment{Text: seg.Text, Start: seg.Start, End: seg.End})
	}
	return segs, nil
}

func hasText(turns []diarize.SpeakerSegment) bool {
	for _, t := range turns {
		if strings.TrimSpace(t.Text) != "" {
			return true
		}
	}
	return false
}

// stopped re-reads the job between pipeline stages; a user-requested stop
// exits cleanly without persisting results.
func (s *Service) stopped(ctx context.Context, jobID string) bool {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return false
	}
	return job.Status == store.JobStopped
}

func (s *Service) stop(res Result) Result {
	res.Status = StatusFailed
	res.Error = "stopped"
	return res
}

func (s *Service) fail(ctx context.Context, res Result, jobID, msg string) Result {
	if jobID != "" {
		if err := s.store.UpdateJobStatus(ctx, jobID, store.JobFailed, msg); err != nil {
			s.log.Warn("job status update failed", "error", err)
		}
	}
	res.Status = StatusFailed
	res.Error = msg
	return res
}

// MergeTurns joins consecutive segments of the same speaker separated by
// less than five seconds into natural turns. Input order does not matter;
// output is sorted by start time.
func MergeTurns(segments []diarize.SpeakerSegment) []diarize.SpeakerSegment {
	if len(segments) == 0 {
		return nil
	}
	sorted := make([]diarize.SpeakerSegment, len(segments))
	copy(sorted, segments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	out := []diarize.SpeakerSegment{sorted[0]}
	for _, seg := range sorted[1:] {
		last := &out[len(out)-1]
		if seg.Speaker == last.Speaker && seg.Start-last.End < turnMergeGap {
			if seg.Text != "" {
				if last.Text != "" {
					last.Text += " "
				}
				last.Text += seg.Text
			}
			if seg.End > last.End {
				last.End = seg.End
			}
			total := last.WordCount + seg.WordCount
			if total > 0 {
				last.Confidence = (last.Confidence*float64(last.WordCount) + seg.Confidence*float64(seg.WordCount)) / float64(total)
			}
			last.WordCount = total
			continue
		}
		out = append(out, seg)
	}
	return out
}
