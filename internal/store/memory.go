package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/minutehq/minute/internal/align"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps everything in process memory. It backs tests and
// deployments that run without a database; contents are lost on restart.
type MemoryStore struct {
	mu sync.Mutex

	meetings map[string]Meeting
	segments map[string][]LiveSegment
	versions map[string][]memVersion // per meeting, ascending version order
	jobs     map[string]Job
	now      func() time.Time
}

type memVersion struct {
	info    VersionInfo
	content []align.AlignedSegment
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		meetings: make(map[string]Meeting),
		segments: make(map[string][]LiveSegment),
		versions: make(map[string][]memVersion),
		jobs:     make(map[string]Job),
		now:      time.Now,
	}
}

func (s *MemoryStore) UpsertMeeting(ctx context.Context, m Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.meetings[m.ID]; ok {
		if m.Title != "" {
			existing.Title = m.Title
		}
		if m.UserEmail != "" {
			existing.UserEmail = m.UserEmail
		}
		existing.UpdatedAt = now
		s.meetings[m.ID] = existing
		return nil
	}
	m.CreatedAt = now
	m.UpdatedAt = now
	s.meetings[m.ID] = m
	return nil
}

func (s *MemoryStore) GetMeeting(ctx context.Context, id string) (Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return Meeting{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) SaveLiveSegment(ctx context.Context, seg LiveSegment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seg.Timestamp.IsZero() {
		seg.Timestamp = s.now()
	}
	s.segments[seg.MeetingID] = append(s.segments[seg.MeetingID], seg)
	return nil
}

func (s *MemoryStore) ListLiveSegments(ctx context.Context, meetingID string) ([]LiveSegment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.segments[meetingID]), nil
}

func (s *MemoryStore) SaveVersion(ctx context.Context, req SaveVersionRequest) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.versions[req.MeetingID]
	num := 1
	if n := len(versions); n > 0 {
		num = versions[n-1].info.Version + 1
	}
	if req.IsAuthoritative {
		for i := range versions {
			versions[i].info.IsAuthoritative = false
		}
	}

	content := slices.Clone(req.Content)
	s.versions[req.MeetingID] = append(versions, memVersion{
		info: VersionInfo{
			MeetingID:       req.MeetingID,
			Version:         num,
			Source:          req.Source,
			IsAuthoritative: req.IsAuthoritative,
			CreatedAt:       s.now(),
			CreatedBy:       req.CreatedBy,
			Metrics:         MetricsFor(content),
		},
		content: content,
	})
	return num, nil
}

func (s *MemoryStore) ListVersions(ctx context.Context, meetingID string) ([]VersionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.versions[meetingID]
	out := make([]VersionInfo, 0, len(versions))
	for i := len(versions) - 1; i >= 0; i-- {
		out = append(out, versions[i].info)
	}
	return out, nil
}

func (s *MemoryStore) GetVersionContent(ctx context.Context, meetingID string, version int) ([]align.AlignedSegment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions[meetingID] {
		if v.info.Version == version {
			return slices.Clone(v.content), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) DeleteVersion(ctx context.Context, meetingID string, version int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.versions[meetingID]
	for i, v := range versions {
		if v.info.Version == version {
			s.versions[meetingID] = append(versions[:i], versions[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) CreateJob(ctx context.Context, meetingID, provider string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.MeetingID == meetingID && (j.Status == JobPending || j.Status == JobRunning) {
			return Job{}, ErrJobActive
		}
	}
	now := s.now()
	job := Job{
		ID:        uuid.NewString(),
		MeetingID: meetingID,
		Provider:  provider,
		Status:    JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.jobs[job.ID] = job
	return job, nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j, nil
}

func (s *MemoryStore) UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	j.Status = status
	if status == JobFailed {
		j.Error = errMsg
	}
	j.UpdatedAt = s.now()
	s.jobs[jobID] = j
	return nil
}

// Close is a no-op; the memory store holds no external resources.
func (s *MemoryStore) Close() {}
