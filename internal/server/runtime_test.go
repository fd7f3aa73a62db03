package server

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/minutehq/minute/internal/record"
	"github.com/minutehq/minute/internal/stream"
	"github.com/minutehq/minute/pkg/provider/vad/mock"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	return NewRuntime(
		func(sessionID string) *stream.Manager {
			return stream.NewManager(nil, mock.Silence(), stream.Config{}, nil, nil)
		},
		func(meetingID string) *record.Recorder {
			return record.NewRecorder(meetingID, nil, record.Config{}, nil, nil)
		},
	)
}

func TestRuntimeSessionLifecycle(t *testing.T) {
	rt := newTestRuntime(t)

	m1, resumed := rt.AcquireSession("s1")
	if resumed {
		t.Error("first acquire reported resumed")
	}
	m2, resumed := rt.AcquireSession("s1")
	if !resumed {
		t.Error("second acquire not reported as resume")
	}
	if m1 != m2 {
		t.Error("resume returned a different manager")
	}
	if rt.SessionCount() != 1 {
		t.Errorf("sessions = %d", rt.SessionCount())
	}

	if last := rt.ReleaseSession("s1"); last {
		t.Error("first release reported last with a connection remaining")
	}
	if last := rt.ReleaseSession("s1"); !last {
		t.Error("final release not reported as last")
	}
	if rt.SessionCount() != 0 {
		t.Errorf("sessions after release = %d", rt.SessionCount())
	}

	// A fresh acquire after teardown starts a new session.
	m3, resumed := rt.AcquireSession("s1")
	if resumed || m3 == m1 {
		t.Error("session not recreated after last release")
	}
}

func TestRuntimeReleaseUnknownSession(t *testing.T) {
	rt := newTestRuntime(t)
	if last := rt.ReleaseSession("ghost"); last {
		t.Error("unknown session reported last")
	}
}

func TestRuntimeRecorderTable(t *testing.T) {
	rt := newTestRuntime(t)

	if _, ok := rt.Recorder("m1"); ok {
		t.Error("lookup created a recorder")
	}
	r1 := rt.GetOrCreateRecorder("m1")
	r2 := rt.GetOrCreateRecorder("m1")
	if r1 != r2 {
		t.Error("second getOrCreate returned a different recorder")
	}
	if got, ok := rt.Recorder("m1"); !ok || got != r1 {
		t.Error("lookup missed the active recorder")
	}

	rt.RemoveRecorder("m1")
	if _, ok := rt.Recorder("m1"); ok {
		t.Error("recorder survived removal")
	}
	if r3 := rt.GetOrCreateRecorder("m1"); r3 == r1 {
		t.Error("recorder not recreated after removal")
	}
}

func TestDecodeAudioFrame(t *testing.T) {
	pcm := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	msg := make([]byte, 8+len(pcm))
	binary.LittleEndian.PutUint64(msg, math.Float64bits(12.5))
	copy(msg[8:], pcm)

	got, ts := decodeAudioFrame(msg)
	if ts != 12.5 {
		t.Errorf("ts = %f, want 12.5", ts)
	}
	if len(got) != len(pcm) || got[0] != 1 || got[9] != 10 {
		t.Errorf("pcm = %v", got)
	}
}

func TestDecodeAudioFrameShortMessage(t *testing.T) {
	short := []byte{1, 2, 3, 4}
	got, ts := decodeAudioFrame(short)
	if ts != -1 {
		t.Errorf("ts = %f, want -1", ts)
	}
	if len(got) != 4 {
		t.Errorf("pcm = %v", got)
	}
}

func TestDecodeAudioFrameRejectsBadTimestamp(t *testing.T) {
	msg := make([]byte, 16)
	binary.LittleEndian.PutUint64(msg, math.Float64bits(math.NaN()))
	if _, ts := decodeAudioFrame(msg); ts != -1 {
		t.Errorf("NaN timestamp passed through as %f", ts)
	}
	binary.LittleEndian.PutUint64(msg, math.Float64bits(-3))
	if _, ts := decodeAudioFrame(msg); ts != -1 {
		t.Errorf("negative timestamp passed through as %f", ts)
	}
}
