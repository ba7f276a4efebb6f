// Package server serves the control protocol on a Unix socket.
package server

import (
	"context"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/logger"
	"codeberg.org/mutker/gpuctl/internal/protocol"
)

const (
	defaultEventQueue = 256
	writeTimeout      = 5 * time.Second
)

type Config struct {
	Path string
	// Group, if set, owns the socket so its members can connect.
	Group      string
	Mode       os.FileMode
	EventQueue int
	Version    string
}

type handlerFunc func(ctx context.Context, s *session, params protocol.RawMessage) (any, error)

type Server struct {
	cfg      Config
	deps     Deps
	logger   logger.Logger
	handlers map[string]handlerFunc

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

func New(cfg Config, deps Deps, log logger.Logger) *Server {
	if cfg.EventQueue <= 0 {
		cfg.EventQueue = defaultEventQueue
	}
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		logger:   log.With("server"),
		sessions: make(map[string]*session),
	}
	s.handlers = s.routes()
	return s
}

// Listen creates the socket. A stale socket file is replaced.
func (s *Server) Listen() (net.Listener, error) {
	errFactory := errors.New()

	if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
		return nil, errFactory.Wrap(errors.ErrInitFailed, err)
	}
	if err := os.Remove(s.cfg.Path); err != nil && !os.IsNotExist(err) {
		return nil, errFactory.Wrap(errors.ErrInitFailed, err).WithMessage("remove stale socket " + s.cfg.Path)
	}

	ln, err := net.Listen("unix", s.cfg.Path)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInitFailed, err).WithMessage("listen on " + s.cfg.Path)
	}

	if err := s.setPermissions(); err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

func (s *Server) setPermissions() error {
	errFactory := errors.New()

	if s.cfg.Group != "" {
		g, err := user.LookupGroup(s.cfg.Group)
		if err != nil {
			return errFactory.Wrap(errors.ErrInvalidConfig, err).WithMessage("socket group " + s.cfg.Group)
		}
		gid, err := strconv.Atoi(g.Gid)
		if err != nil {
			return errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
		if err := os.Chown(s.cfg.Path, -1, gid); err != nil {
			return errFactory.Wrap(errors.ErrInitFailed, err).WithMessage("chown socket")
		}
	}
	if s.cfg.Mode != 0 {
		if err := os.Chmod(s.cfg.Path, s.cfg.Mode); err != nil {
			return errFactory.Wrap(errors.ErrInitFailed, err).WithMessage("chmod socket")
		}
	}
	return nil
}

// Serve accepts connections on ln until ctx is done, then closes every
// session and removes the socket.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer os.Remove(s.cfg.Path)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Info().Str("path", s.cfg.Path).Msg("Control socket listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn().Err(err).Msg("Accept failed")
			continue
		}

		sess := newSession(s, conn)
		s.mu.Lock()
		s.sessions[sess.id] = sess
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.run(ctx)
		}()
	}

	s.mu.Lock()
	active := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		active = append(active, sess)
	}
	s.mu.Unlock()

	for _, sess := range active {
		sess.close()
	}

	s.wg.Wait()
	s.logger.Info().Msg("Control socket closed")
	return nil
}

// Sessions returns the number of open connections.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) forget(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	s.deps.Subscriptions.Remove(sess.id)
}

func (s *Server) dispatch(ctx context.Context, sess *session, req protocol.Request) protocol.Message {
	if req.Action == "" {
		return protocol.ErrorResponse(req.ID, errors.New().WithMessage(errors.ErrProtocol, "missing action"))
	}
	h, ok := s.handlers[req.Action]
	if !ok {
		return protocol.ErrorResponse(req.ID, errors.New().WithMessage(errors.ErrProtocol, "unknown action "+req.Action))
	}

	result, err := h(ctx, sess, req.Params)
	if err != nil {
		s.logger.Debug().Err(err).Str("session", sess.id).Str("action", req.Action).Msg("Request failed")
		return protocol.ErrorResponse(req.ID, err)
	}

	msg, err := protocol.Response(req.ID, result)
	if err != nil {
		return protocol.ErrorResponse(req.ID, err)
	}
	return msg
}
