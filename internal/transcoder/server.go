package transcoder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultPollWait = 10 * time.Second
	maxPollWait     = time.Minute
)

// Service implements IngestServer on top of a Requests table.
type Service struct {
	requests *Requests
	log      *slog.Logger
}

var _ IngestServer = (*Service)(nil)

// NewService returns a Service. If log is nil, slog.Default() is used.
func NewService(requests *Requests, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		requests: requests,
		log:      log.With("component", "transcoder-service"),
	}
}

// Poll hands out the next queued request. An empty response means nothing
// was queued before the wait expired.
func (s *Service) Poll(ctx context.Context, req *PollRequest) (*PollResponse, error) {
	wait := time.Duration(req.WaitMS) * time.Millisecond
	if wait <= 0 {
		wait = defaultPollWait
	}
	wait = min(wait, maxPollWait)

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	l, err := s.requests.Next(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return &PollResponse{}, nil
	}
	if err != nil {
		return nil, status.FromContextError(err).Err()
	}
	return &PollResponse{RequestID: l.id, Room: l.room, Organization: l.organization}, nil
}

// Watch streams the fragments of one request to the transcoder that
// claimed it and relays the transcoder's messages back to the session.
func (s *Service) Watch(stream WatchServerStream) error {
	ctx := stream.Context()
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	if first.Open == nil {
		return status.Error(codes.InvalidArgument, "first message must be Open")
	}
	l, err := s.requests.claim(first.Open.RequestID)
	if err != nil {
		return status.Errorf(codes.NotFound, "request %q not found", first.Open.RequestID)
	}
	log := l.log.With("connection_id", l.connID)
	log.Info("transcoder attached")

	stopped := make(chan struct{})
	recvErr := make(chan error, 1)
	go func() {
		defer close(stopped)
		recvErr <- s.recvLoop(stream, l)
	}()

	for {
		resp, err := l.next(ctx, stopped)
		if err != nil {
			l.detach()
			if errors.Is(err, errStopped) {
				select {
				case err := <-recvErr:
					log.Info("transcoder detached", "error", err)
					return err
				default:
					return nil
				}
			}
			return status.FromContextError(err).Err()
		}
		if err := s.send(ctx, stream, resp, l.cfg.SendTimeout); err != nil {
			log.Warn("send to transcoder failed", "error", err)
			l.detach()
			return err
		}
		if resp.Shutdown != nil {
			log.Info("sent final shutdown", "reason", resp.Shutdown.Reason)
			l.detach()
			return nil
		}
	}
}

// send writes resp, giving up after timeout.
func (s *Service) send(ctx context.Context, stream WatchServerStream, resp *WatchResponse, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- stream.Send(resp) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return status.Error(codes.DeadlineExceeded, "transcoder did not accept message in time")
	case <-ctx.Done():
		return status.FromContextError(ctx.Err()).Err()
	}
}

// recvLoop relays transcoder messages until Shutdown or end of stream.
func (s *Service) recvLoop(stream WatchServerStream, l *Link) error {
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch {
		case req.Shutdown != nil:
			l.emit(Event{Kind: EventShutdown})
			return nil
		case req.Reclaim != nil:
			l.touch()
			l.emit(Event{Kind: EventReclaim})
		case req.Error != nil:
			l.log.Warn("transcoder reported error",
				"code", req.Error.Code, "message", req.Error.Message, "fatal", req.Error.Fatal)
			l.emit(Event{Kind: EventError, Error: req.Error})
		case req.Open != nil:
			l.log.Warn("ignoring repeated Open")
		}
	}
}
