package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/minutehq/minute/internal/record"
	"github.com/minutehq/minute/internal/store"
	"github.com/minutehq/minute/internal/stream"
)

const (
	// livenessTimeout closes a session that produced no frame or ping.
	livenessTimeout = 15 * time.Second
	livenessPoll    = 5 * time.Second

	// drainTimeout bounds the wait for queued frames at close.
	drainTimeout = 5 * time.Second

	// flushTimeout bounds the terminal transcription call at close.
	flushTimeout = 10 * time.Second

	// frameQueueSize buffers a few seconds of typical frames between the
	// receiver and the worker. Overflow drops the oldest frame.
	frameQueueSize = 64
)

// audioFrame is one decoded inbound frame. A zero pcm slice is the worker's
// stop sentinel.
type audioFrame struct {
	pcm []byte
	ts  float64
}

// wsSession is one open connection of a streaming session. The receiver
// goroutine is the caller of run; the worker and liveness monitor run
// alongside it and are joined before run returns.
type wsSession struct {
	server    *Server
	conn      *websocket.Conn
	id        string
	meetingID string
	userEmail string

	manager  *stream.Manager
	recorder *record.Recorder // nil when recording is disabled

	frames       chan audioFrame
	lastActivity atomic.Int64 // unix nanos

	writeMu sync.Mutex
	log     *slog.Logger
}

func newWSSession(s *Server, conn *websocket.Conn, id, meetingID, userEmail string, m *stream.Manager, rec *record.Recorder) *wsSession {
	sess := &wsSession{
		server:    s,
		conn:      conn,
		id:        id,
		meetingID: meetingID,
		userEmail: userEmail,
		manager:   m,
		recorder:  rec,
		frames:    make(chan audioFrame, frameQueueSize),
		log:       s.log.With("session_id", id, "meeting_id", meetingID),
	}
	sess.touch()
	return sess
}

func (s *wsSession) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *wsSession) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// run drives the connection to completion. It reads frames until the socket
// closes, the liveness monitor fires, or the server shuts down, then walks
// the close sequence: flush, drain, recorder handoff.
func (s *wsSession) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	s.server.metrics.ActiveSessions.Add(ctx, 1)
	defer s.server.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	if err := s.writeJSON(ctx, connectedFrame{
		Type:      "connected",
		SessionID: s.id,
		Message:   "streaming session ready",
		Timestamp: wireTime(time.Now()),
	}); err != nil {
		s.log.Warn("connected frame not delivered", "error", err)
		if last := s.server.runtime.ReleaseSession(s.id); last {
			s.teardown(context.WithoutCancel(ctx))
		}
		return
	}

	livenessCtx, stopLiveness := context.WithCancel(ctx)
	emitCtx, stopEmit := context.WithCancel(ctx)
	var aux sync.WaitGroup
	aux.Add(2)
	go func() {
		defer aux.Done()
		s.liveness(livenessCtx, cancel)
	}()
	go func() {
		defer aux.Done()
		s.emitLoop(emitCtx)
	}()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		s.worker(ctx)
	}()

	s.receive(ctx)

	// Close sequence. The liveness monitor goes first so an in-progress
	// flush cannot be mistaken for idleness. The flush segment comes back
	// directly rather than through the shared finals channel, so this
	// connection alone delivers and persists it even when the session has
	// other live connections.
	stopLiveness()
	stopEmit()
	closeCtx, cancelClose := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancelClose()

	if seg := s.manager.ForceFlush(closeCtx); seg != nil {
		if err := s.writeJSON(closeCtx, newFinalFrame(*seg, time.Now())); err != nil {
			s.log.Debug("flush segment not delivered", "error", err)
		}
		s.persistFinal(closeCtx, *seg)
	}

	select {
	case s.frames <- audioFrame{}:
	default:
	}
	select {
	case <-workerDone:
	case <-time.After(drainTimeout):
		s.log.Warn("worker did not drain in time", "queued", len(s.frames))
	}

	if last := s.server.runtime.ReleaseSession(s.id); last {
		s.teardown(closeCtx)
	}

	cancel()
	aux.Wait()
	_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	s.log.Info("session closed")
}

// teardown stops the recorder and hands the meeting to the finalizer as a
// detached task. Runs only for the session's last connection.
func (s *wsSession) teardown(ctx context.Context) {
	if s.recorder == nil {
		return
	}
	if _, err := s.recorder.Stop(ctx); err != nil {
		s.log.Warn("recorder stop failed", "error", err)
	}
	s.server.runtime.RemoveRecorder(s.meetingID)

	meetingID := s.meetingID
	fin := s.server.finalizer
	go fin.Finalize(context.WithoutCancel(ctx), meetingID)
}

// receive reads socket messages until error or cancellation. Unparseable
// control frames are ignored; the protocol stays up.
func (s *wsSession) receive(ctx context.Context) {
	for {
		typ, msg, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				s.log.Debug("socket read ended", "error", err)
			}
			return
		}
		s.touch()

		switch typ {
		case websocket.MessageBinary:
			pcm, ts := decodeAudioFrame(msg)
			if len(pcm) == 0 {
				continue
			}
			s.server.metrics.AudioFrames.Add(ctx, 1)
			s.enqueue(audioFrame{pcm: pcm, ts: ts})
		case websocket.MessageText:
			var cf controlFrame
			if err := json.Unmarshal(msg, &cf); err != nil {
				continue
			}
			if cf.Type == "ping" {
				if err := s.writeJSON(ctx, pongFrame{Type: "pong"}); err != nil {
					return
				}
			}
		}
	}
}

// enqueue pushes a frame, dropping the oldest queued frame when full so the
// receiver never blocks behind a slow worker.
func (s *wsSession) enqueue(f audioFrame) {
	select {
	case s.frames <- f:
		return
	default:
	}
	select {
	case <-s.frames:
	default:
	}
	select {
	case s.frames <- f:
	default:
		s.log.Warn("frame dropped, queue full")
	}
}

// worker drains the frame queue in arrival order: recorder first, then the
// transcription manager. Exits on the sentinel or cancellation.
func (s *wsSession) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.frames:
			if f.pcm == nil {
				return
			}
			if s.recorder != nil {
				s.recorder.AddChunk(ctx, f.pcm)
			}
			s.manager.ProcessFrame(ctx, f.pcm, f.ts)
		}
	}
}

// emitLoop forwards manager output to the client: final segments become
// final frames and durable rows, backend errors become error frames.
func (s *wsSession) emitLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case seg := <-s.manager.Finals():
			if err := s.writeJSON(ctx, newFinalFrame(seg, time.Now())); err != nil {
				s.log.Debug("final frame not delivered", "error", err)
			}
			s.persistFinal(ctx, seg)
		case se := <-s.manager.Errors():
			if err := s.writeJSON(ctx, newErrorFrame(string(se.Code), se.Message, time.Now())); err != nil {
				s.log.Debug("error frame not delivered", "error", err)
			}
		}
	}
}

// liveness cancels the session after livenessTimeout without inbound
// traffic.
func (s *wsSession) liveness(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(livenessPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.idleFor() > livenessTimeout {
				s.log.Info("liveness timeout, closing session", "idle", s.idleFor())
				cancel()
				return
			}
		}
	}
}

// persistFinal stores one final segment. The client has already seen the
// segment, so a save failure is logged and swallowed.
func (s *wsSession) persistFinal(ctx context.Context, seg stream.FinalSegment) {
	err := s.server.store.SaveLiveSegment(ctx, store.LiveSegment{
		MeetingID:      s.meetingID,
		Text:           seg.Text,
		Timestamp:      time.Now(),
		Source:         store.SourceLive,
		AlignmentState: "CONFIDENT",
		AudioStartTime: seg.AudioStartTime,
	})
	if err != nil {
		s.log.Warn("live segment save failed", "error", err)
	}
}

func (s *wsSession) writeJSON(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, b)
}
