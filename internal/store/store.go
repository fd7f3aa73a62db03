// Package store defines the persistence contract for meetings, live
// transcript segments, versioned transcripts, and diarization jobs. Two
// implementations exist: a process-local in-memory store and a PostgreSQL
// store under store/postgres.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/minutehq/minute/internal/align"
)

// ErrNotFound is returned when a meeting, version, or job does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrJobActive is returned by CreateJob while another job for the same
// meeting is still pending or running.
var ErrJobActive = errors.New("store: diarization job already active for meeting")

// Source identifies where a transcript version came from.
type Source string

const (
	SourceLive       Source = "live"
	SourceDiarized   Source = "diarized"
	SourceManualEdit Source = "manual_edit"
)

// JobStatus is the lifecycle of a diarization job. A job moves forward only;
// "stopped" is a user-requested cancellation checked between pipeline stages.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobStopped   JobStatus = "stopped"
)

// Meeting is the root entity every recording, segment, and version hangs off.
type Meeting struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	UserEmail string    `json:"user_email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LiveSegment is one durable final segment from the live pipeline.
type LiveSegment struct {
	MeetingID      string    `json:"meeting_id"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
	Source         Source    `json:"source"`
	AlignmentState string    `json:"alignment_state"`
	AudioStartTime float64   `json:"audio_start_time"`
}

// ConfidenceMetrics summarises a version's content. Derived purely from the
// stored segments, never supplied by callers.
type ConfidenceMetrics struct {
	Total          int     `json:"total"`
	AvgConfidence  float64 `json:"avg_confidence"`
	ConfidentCount int     `json:"confident_count"`
	UncertainCount int     `json:"uncertain_count"`
	OverlapCount   int     `json:"overlap_count"`
}

// VersionInfo describes one transcript version without its content.
type VersionInfo struct {
	MeetingID       string            `json:"meeting_id"`
	Version         int               `json:"version_num"`
	Source          Source            `json:"source"`
	IsAuthoritative bool              `json:"is_authoritative"`
	CreatedAt       time.Time         `json:"created_at"`
	CreatedBy       string            `json:"created_by,omitempty"`
	Metrics         ConfidenceMetrics `json:"confidence_metrics"`
}

// Job is one diarization run for a meeting. At most one job per meeting is
// pending or running at a time.
type Job struct {
	ID        string    `json:"id"`
	MeetingID string    `json:"meeting_id"`
	Provider  string    `json:"provider"`
	Status    JobStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SaveVersionRequest carries everything SaveVersion needs.
type SaveVersionRequest struct {
	MeetingID       string
	Source          Source
	Content         []align.AlignedSegment
	IsAuthoritative bool
	AlignmentConfig map[string]any
	CreatedBy       string
}

// MeetingStore persists meetings and their live segments.
type MeetingStore interface {
	// UpsertMeeting creates the meeting or refreshes updated_at.
	UpsertMeeting(ctx context.Context, m Meeting) error

	GetMeeting(ctx context.Context, id string) (Meeting, error)

	// SaveLiveSegment appends one durable final segment.
	SaveLiveSegment(ctx context.Context, seg LiveSegment) error

	ListLiveSegments(ctx context.Context, meetingID string) ([]LiveSegment, error)
}

// VersionStore persists immutable transcript versions. Version numbers per
// meeting are dense, starting at 1; at most one version per meeting is
// authoritative, and promoting a new one demotes the old in the same atomic
// step.
type VersionStore interface {
	// SaveVersion inserts a new version and returns its number.
	SaveVersion(ctx context.Context, req SaveVersionRequest) (int, error)

	// ListVersions returns all versions for a meeting, newest first.
	ListVersions(ctx context.Context, meetingID string) ([]VersionInfo, error)

	// GetVersionContent returns the stored segments, or ErrNotFound.
	GetVersionContent(ctx context.Context, meetingID string, version int) ([]align.AlignedSegment, error)

	// DeleteVersion removes a version; false when it did not exist.
	DeleteVersion(ctx context.Context, meetingID string, version int) (bool, error)
}

// JobStore tracks diarization jobs.
type JobStore interface {
	// CreateJob registers a new pending job, or ErrJobActive if one is
	// already pending or running for the meeting.
	CreateJob(ctx context.Context, meetingID, provider string) (Job, error)

	GetJob(ctx context.Context, jobID string) (Job, error)

	// UpdateJobStatus advances the job. errMsg is stored only for failed.
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errMsg string) error
}

// Store is the full persistence surface the service consumes.
type Store interface {
	MeetingStore
	VersionStore
	JobStore
	Close()
}

// MetricsFor derives ConfidenceMetrics from version content.
func MetricsFor(content []align.AlignedSegment) ConfidenceMetrics {
	m := ConfidenceMetrics{Total: len(content)}
	var sum float64
	for _, seg := range content {
		sum += seg.SpeakerConfidence
		switch seg.State {
		case align.StateConfident:
			m.ConfidentCount++
		case align.StateUncertain:
			m.UncertainCount++
		case align.StateOverlap:
			m.OverlapCount++
		}
	}
	if m.Total > 0 {
		m.AvgConfidence = sum / float64(m.Total)
	}
	return m
}
