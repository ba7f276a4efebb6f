package server

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/hub"
	"codeberg.org/mutker/gpuctl/internal/protocol"
	"github.com/google/uuid"
)

// session is one client connection. Requests are handled one at a time
// in arrival order; events are interleaved by the writer.
type session struct {
	id     string
	server *Server
	conn   net.Conn

	replies chan protocol.Message
	events  chan protocol.Message
	// closing tells the writer the reader has stopped; done means the
	// connection is closed.
	closing chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newSession(s *Server, conn net.Conn) *session {
	return &session{
		id:      uuid.NewString(),
		server:  s,
		conn:    conn,
		replies: make(chan protocol.Message, 1),
		events:  make(chan protocol.Message, s.cfg.EventQueue),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *session) ID() string { return s.id }

// Deliver queues an event without blocking.
func (s *session) Deliver(ev hub.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.events <- protocol.EventMessage(ev):
		return true
	default:
		return false
	}
}

// Dropped is called by the hub when the event queue overflowed.
func (s *session) Dropped() {
	s.server.logger.Warn().Str("session", s.id).Msg("Client not reading events, closing connection")
	s.close()
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
		s.server.forget(s)
	})
}

func (s *session) run(ctx context.Context) {
	log := s.server.logger
	log.Debug().Str("session", s.id).Msg("Client connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	s.readLoop(ctx)
	close(s.closing)
	<-writerDone
	s.close()

	log.Debug().Str("session", s.id).Msg("Client disconnected")
}

func (s *session) readLoop(ctx context.Context) {
	dec := protocol.NewDecoder(s.conn)

	for {
		var raw protocol.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				// The stream cannot be resynchronised after a framing error.
				s.server.logger.Debug().Err(err).Str("session", s.id).Msg("Malformed CBOR, closing connection")
				s.reply(protocol.ErrorResponse(0, errors.New().Wrap(errors.ErrProtocol, err).WithMessage("malformed CBOR")))
			}
			return
		}

		var req protocol.Request
		if err := protocol.Unmarshal(raw, &req); err != nil {
			if diag, derr := protocol.Diagnose(raw); derr == nil {
				s.server.logger.Debug().Err(err).Str("session", s.id).Str("request", diag).Msg("Invalid request")
			}
			s.reply(protocol.ErrorResponse(requestID(raw), errors.New().Wrap(errors.ErrProtocol, err).WithMessage("invalid request")))
			continue
		}

		if !s.reply(s.server.dispatch(ctx, s, req)) {
			return
		}
	}
}

// reply hands msg to the writer, waiting for it if needed. Responses are
// never dropped while the session is open.
func (s *session) reply(msg protocol.Message) bool {
	select {
	case s.replies <- msg:
		return true
	case <-s.done:
		return false
	}
}

func (s *session) writeLoop() {
	enc := protocol.NewEncoder(s.conn)

	for {
		var msg protocol.Message

		// Responses go out ahead of queued events.
		select {
		case msg = <-s.replies:
		default:
			select {
			case msg = <-s.replies:
			case msg = <-s.events:
			case <-s.closing:
				s.drainReply(enc)
				return
			case <-s.done:
				return
			}
		}

		if err := s.write(enc, msg); err != nil {
			s.server.logger.Debug().Err(err).Str("session", s.id).Msg("Write failed")
			s.close()
			return
		}
	}
}

// drainReply flushes a final response, such as the error for malformed
// CBOR, queued right before the reader stopped.
func (s *session) drainReply(enc *protocol.Encoder) {
	select {
	case msg := <-s.replies:
		_ = s.write(enc, msg)
	default:
	}
}

func (s *session) write(enc *protocol.Encoder, msg protocol.Message) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return enc.Encode(msg)
}

// requestID recovers the id of a request that failed to decode as a
// whole, so the error can still be matched by the client.
func requestID(raw protocol.RawMessage) uint64 {
	var header struct {
		ID uint64 `json:"id"`
	}
	if err := protocol.Unmarshal(raw, &header); err != nil {
		return 0
	}
	return header.ID
}
