package rtmp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Server accepts RTMP connections and serves each with a Conn.
type Server struct {
	log     *slog.Logger
	addr    string
	handler Handler
	cfg     Config

	// ShutdownTimeout is how long Start waits for sessions after the
	// context is cancelled. Default 60s.
	ShutdownTimeout time.Duration
}

// NewServer creates a server that listens on addr. If log is nil,
// slog.Default() is used.
func NewServer(addr string, h Handler, cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:             log.With("component", "rtmp-server"),
		addr:            addr,
		handler:         h,
		cfg:             cfg,
		ShutdownTimeout: 60 * time.Second,
	}
}

// Start listens on the configured address and serves until the context is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("RTMP listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", l.Addr().String())
	return s.Serve(ctx, l)
}

// Serve accepts connections on l until the context is cancelled, then
// waits up to ShutdownTimeout for open sessions to finish.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	var wg sync.WaitGroup
	defer func() {
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.ShutdownTimeout):
			s.log.Warn("sessions still open after shutdown timeout")
		}
	}()

	for {
		nc, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConnection(ctx, nc)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, nc net.Conn) {
	start := time.Now()
	c := NewConn(nc, s.handler, s.cfg, s.log)
	err := c.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Info("connection closed", "remote", nc.RemoteAddr().String(),
			"error", err, "uptime_ms", time.Since(start).Milliseconds())
		return
	}
	s.log.Info("connection closed", "remote", nc.RemoteAddr().String(),
		"uptime_ms", time.Since(start).Milliseconds())
}
