package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nadzzz/parley/internal/message"
	"github.com/nadzzz/parley/internal/metrics"
	"github.com/nadzzz/parley/internal/orchestrator"
	"github.com/nadzzz/parley/internal/transport"
)

const (
	writeWait     = 5 * time.Second
	maxFrameBytes = 8 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Media bridges connect from arbitrary origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleMedia upgrades to the WebSocket media stream.
//
// @Summary     Streaming media session
// @Description WebSocket. Send {"event":"start"} then {"event":"utterance"} frames; receive
// @Description media, state, cue and result frames. {"event":"interrupt"} barges in.
// @Tags        cycle
// @Router      /media [get]
func (a *api) handleMedia(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	metrics.MediaConnections.Inc()
	defer metrics.MediaConnections.Dec()

	s := &mediaStream{
		conn:    conn,
		handler: a.handler,
		sid:     uuid.NewString(),
	}
	s.log = slog.With("stream_sid", s.sid)
	s.serve(r.Context())
}

// mediaStream is one WebSocket client. Reads happen on the serving
// goroutine; every cycle runs on its own goroutine and writes through
// writeMu, since a websocket connection supports one concurrent writer.
type mediaStream struct {
	conn    *websocket.Conn
	handler transport.Handler
	sid     string
	log     *slog.Logger

	writeMu sync.Mutex
	cycles  sync.WaitGroup

	// Defaults set by the start frame.
	conversationID string
	voiceID        string
}

func (s *mediaStream) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		// Cancelling interrupts any cycle still speaking to this client.
		cancel()
		s.cycles.Wait()
		_ = s.conn.Close()
		s.log.Info("media stream closed")
	}()

	s.conn.SetReadLimit(maxFrameBytes)
	s.log.Info("media stream opened")

	for {
		var f message.Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("media stream read ended", "error", err)
			}
			return
		}

		switch f.Event {
		case message.FrameStart:
			if f.Start == nil {
				s.writeError("", "start frame without start payload")
				continue
			}
			s.conversationID = f.Start.ConversationID
			s.voiceID = f.Start.VoiceID
			s.log.Info("media stream started", "conversation_id", s.conversationID, "voice_id", s.voiceID)

		case message.FrameUtterance:
			if f.Utterance == nil {
				s.writeError("", "utterance frame without utterance payload")
				continue
			}
			u := f.Utterance
			if u.ConversationID == "" {
				u.ConversationID = s.conversationID
			}
			if u.VoiceID == "" {
				u.VoiceID = s.voiceID
			}
			if u.SessionID == "" {
				u.SessionID = uuid.NewString()
			}
			u.Timestamp = time.Now()

			s.cycles.Add(1)
			go func() {
				defer s.cycles.Done()
				s.run(ctx, u)
			}()

		case message.FrameInterrupt:
			var ok bool
			if f.SessionID != "" {
				ok = s.handler.Interrupt(f.SessionID)
			} else {
				ok = s.handler.InterruptConversation(s.conversationID)
			}
			s.log.Debug("interrupt requested", "session_id", f.SessionID, "interrupted", ok)

		case message.FrameStop:
			return

		default:
			s.writeError("", "unknown event "+f.Event)
		}
	}
}

func (s *mediaStream) run(ctx context.Context, u *message.Utterance) {
	em := &streamEmitter{stream: s, sessionID: u.SessionID}
	result, err := s.handler.Handle(ctx, u, em)
	if err != nil {
		s.writeError(u.SessionID, err.Error())
		return
	}
	_ = s.write(message.Frame{Event: message.FrameResult, SessionID: u.SessionID, Result: result})
}

func (s *mediaStream) write(f message.Frame) error {
	f.StreamSID = s.sid
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(f)
}

func (s *mediaStream) writeError(sessionID, msg string) {
	if err := s.write(message.Frame{Event: message.FrameError, SessionID: sessionID, Error: msg}); err != nil {
		s.log.Debug("writing error frame failed", "error", err)
	}
}

// streamEmitter forwards one cycle's output as frames.
type streamEmitter struct {
	stream    *mediaStream
	sessionID string
	chunks    int
}

func (e *streamEmitter) EmitAudio(chunk []byte) error {
	e.chunks++
	return e.stream.write(message.Frame{
		Event:     message.FrameMedia,
		SessionID: e.sessionID,
		Media:     message.NewMedia(e.chunks, chunk),
	})
}

func (e *streamEmitter) EmitEvent(evt orchestrator.Event) {
	event := message.FrameState
	if evt.Type == orchestrator.EventCue {
		event = message.FrameCue
	}
	err := e.stream.write(message.Frame{
		Event:     event,
		SessionID: e.sessionID,
		Cycle: &message.CycleEvent{
			Type:     string(evt.Type),
			State:    string(evt.State),
			Cue:      string(evt.Cue),
			Text:     evt.Text,
			Error:    evt.Error,
			Terminal: evt.Terminal,
			Time:     evt.Time,
		},
	})
	if err != nil {
		e.stream.log.Debug("writing event frame failed", "session_id", e.sessionID, "error", err)
	}
}
