package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/minutehq/minute/internal/align"
	"github.com/minutehq/minute/internal/store"
)

func segs(states ...align.State) []align.AlignedSegment {
	out := make([]align.AlignedSegment, len(states))
	for i, st := range states {
		out[i] = align.AlignedSegment{
			ID:                "s" + string(rune('a'+i)),
			Text:              "text",
			Speaker:           "SPEAKER_0",
			SpeakerConfidence: 0.5,
			State:             st,
		}
	}
	return out
}

func TestVersionNumbersAreDense(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		got, err := s.SaveVersion(ctx, store.SaveVersionRequest{
			MeetingID: "m1",
			Source:    store.SourceLive,
			Content:   segs(align.StateConfident),
		})
		if err != nil {
			t.Fatalf("SaveVersion: %v", err)
		}
		if got != want {
			t.Errorf("version = %d, want %d", got, want)
		}
	}

	// Numbering continues from the latest surviving version.
	if _, err := s.DeleteVersion(ctx, "m1", 2); err != nil {
		t.Fatal(err)
	}
	got, err := s.SaveVersion(ctx, store.SaveVersionRequest{MeetingID: "m1", Source: store.SourceLive})
	if err != nil {
		t.Fatal(err)
	}
	if got != 4 {
		t.Errorf("version after delete = %d, want 4", got)
	}
}

func TestAuthoritativePromotionDemotesPrior(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := s.SaveVersion(ctx, store.SaveVersionRequest{
			MeetingID:       "m1",
			Source:          store.SourceLive,
			IsAuthoritative: true,
		}); err != nil {
			t.Fatal(err)
		}
	}

	versions, err := s.ListVersions(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	authoritative := 0
	for _, v := range versions {
		if v.IsAuthoritative {
			authoritative++
			if v.Version != 2 {
				t.Errorf("authoritative version = %d, want 2", v.Version)
			}
		}
	}
	if authoritative != 1 {
		t.Errorf("authoritative count = %d, want 1", authoritative)
	}
}

func TestConfidenceMetricsDerivedFromContent(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	content := segs(align.StateConfident, align.StateConfident, align.StateUncertain, align.StateOverlap)
	if _, err := s.SaveVersion(ctx, store.SaveVersionRequest{
		MeetingID: "m1",
		Source:    store.SourceDiarized,
		Content:   content,
	}); err != nil {
		t.Fatal(err)
	}

	versions, _ := s.ListVersions(ctx, "m1")
	m := versions[0].Metrics
	if m.Total != 4 || m.ConfidentCount != 2 || m.UncertainCount != 1 || m.OverlapCount != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if m.AvgConfidence != 0.5 {
		t.Errorf("avg = %f", m.AvgConfidence)
	}
}

func TestGetVersionContent(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	content := segs(align.StateConfident)
	if _, err := s.SaveVersion(ctx, store.SaveVersionRequest{
		MeetingID: "m1",
		Source:    store.SourceLive,
		Content:   content,
	}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetVersionContent(ctx, "m1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != content[0].ID {
		t.Errorf("content = %+v", got)
	}

	if _, err := s.GetVersionContent(ctx, "m1", 99); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing version err = %v, want ErrNotFound", err)
	}
}

func TestDeleteVersion(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	_, _ = s.SaveVersion(ctx, store.SaveVersionRequest{MeetingID: "m1", Source: store.SourceLive})

	ok, err := s.DeleteVersion(ctx, "m1", 1)
	if err != nil || !ok {
		t.Fatalf("delete = %v, %v", ok, err)
	}
	ok, err = s.DeleteVersion(ctx, "m1", 1)
	if err != nil || ok {
		t.Fatalf("second delete = %v, %v", ok, err)
	}
}

func TestMeetingUpsert(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	if err := s.UpsertMeeting(ctx, store.Meeting{ID: "m1", UserEmail: "a@example.com"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertMeeting(ctx, store.Meeting{ID: "m1", Title: "standup"}); err != nil {
		t.Fatal(err)
	}

	m, err := s.GetMeeting(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.UserEmail != "a@example.com" || m.Title != "standup" {
		t.Errorf("meeting = %+v", m)
	}
	if m.UpdatedAt.Before(m.CreatedAt) {
		t.Error("updated_at went backwards")
	}

	if _, err := s.GetMeeting(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestLiveSegments(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	for _, text := range []string{"first", "second"} {
		if err := s.SaveLiveSegment(ctx, store.LiveSegment{
			MeetingID:      "m1",
			Text:           text,
			Source:         store.SourceLive,
			AlignmentState: "CONFIDENT",
		}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListLiveSegments(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Text != "first" || got[1].Text != "second" {
		t.Errorf("segments = %+v", got)
	}
}

func TestSingleActiveJobPerMeeting(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	job, err := s.CreateJob(ctx, "m1", "deepgram")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != store.JobPending {
		t.Errorf("status = %q", job.Status)
	}

	if _, err := s.CreateJob(ctx, "m1", "deepgram"); !errors.Is(err, store.ErrJobActive) {
		t.Errorf("second job err = %v, want ErrJobActive", err)
	}

	if err := s.UpdateJobStatus(ctx, job.ID, store.JobCompleted, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateJob(ctx, "m1", "assemblyai"); err != nil {
		t.Errorf("job after completion: %v", err)
	}
}

func TestJobFailureKeepsError(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	job, _ := s.CreateJob(ctx, "m1", "deepgram")
	if err := s.UpdateJobStatus(ctx, job.ID, store.JobFailed, "merge_failed"); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.JobFailed || got.Error != "merge_failed" {
		t.Errorf("job = %+v", got)
	}
}
