package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"gridstream.dev/internal/protocol"
	"gridstream.dev/internal/stream"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
	readTimeout      = 60 * time.Second
	outQueueSize     = 256
)

// Server accepts the game-client connection and feeds the pipeline.
type Server struct {
	gw   *Gateway
	pipe *stream.Orchestrator
	log  *log.Logger

	upgrader websocket.Upgrader

	nextSessNum atomic.Uint64
}

func NewServer(gw *Gateway, pipe *stream.Orchestrator, logger *log.Logger) *Server {
	return &Server{
		gw:   gw,
		pipe: pipe,
		log:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // local sidecar
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := s.handshake(conn)
		if sess == nil {
			return
		}
		s.gw.attach(sess)
		defer s.gw.detach(sess)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-sess.out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			s.route(sess, msg)
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil
	}

	sess := &session{
		id:  fmt.Sprintf("S%d", s.nextSessNum.Add(1)),
		out: make(chan []byte, outQueueSize),
	}

	welcome := protocol.WelcomeMsg{
		Type:                protocol.TypeWelcome,
		ProtocolVersion:     protocol.Version,
		SessionID:           sess.id,
		BatchSizePerTick:    s.pipe.Queue().BatchSize(),
		ValidationTimeoutMs: int(s.pipe.Tracker().Timeout() / time.Millisecond),
	}
	b, err := json.Marshal(welcome)
	if err != nil {
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return nil
	}

	s.logf("session %s connected (client=%q)", sess.id, hello.ClientName)
	return sess
}

// route dispatches one inbound message. Malformed or unknown messages are
// skipped; the pipeline tolerates duplicates and late reports.
func (s *Server) route(sess *session, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.ProtocolVersion != protocol.Version {
		return
	}
	switch base.Type {
	case protocol.TypeEnqueue:
		var m protocol.EnqueueMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return
		}
		var pos *stream.Vec3
		if m.Pos != nil {
			pos = &stream.Vec3{X: m.Pos[0], Y: m.Pos[1], Z: m.Pos[2]}
		}
		s.pipe.Queue().Enqueue(stream.EntityID(m.EntityID), stream.ParsePriority(m.Priority), pos)

	case protocol.TypeCreated:
		var m protocol.CreatedMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return
		}
		s.gw.markKnown(stream.EntityID(m.EntityID))
		s.pipe.Queue().OnCreated(stream.EntityID(m.EntityID))

	case protocol.TypeDefer:
		var m protocol.DeferMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return
		}
		s.gw.markKnown(stream.EntityID(m.EntityID))
		s.pipe.Scheduler().Defer(newRemoteTarget(sess, m))

	case protocol.TypeViewpoint:
		var m protocol.ViewpointMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return
		}
		s.gw.setViewpoint(stream.Vec3{X: m.Pos[0], Y: m.Pos[1], Z: m.Pos[2]})

	case protocol.TypeStreaming:
		var m protocol.StreamingMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return
		}
		s.pipe.SetStreamingInProgress(m.Active)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

// session is one game-client connection.
type session struct {
	id     string
	out    chan []byte
	closed atomic.Bool
}

func (s *session) trySend(b []byte) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.out <- b:
		return true
	default:
		return false
	}
}

func (s *session) close()         { s.closed.Store(true) }
func (s *session) isClosed() bool { return s.closed.Load() }
