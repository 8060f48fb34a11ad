package transcoder

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName    = "beam.transcoder.v1.Ingest"
	watchMethod    = "/" + serviceName + "/Watch"
	pollMethod     = "/" + serviceName + "/Poll"
	protoFileName  = "beam/transcoder/v1/ingest.proto"
	watchStreamIdx = 0
)

// IngestServer is the ingest side of the transcoder control channel.
type IngestServer interface {
	// Watch attaches a transcoder to a queued request. The first message
	// must be Open.
	Watch(stream WatchServerStream) error
	// Poll returns the next queued request.
	Poll(ctx context.Context, req *PollRequest) (*PollResponse, error)
}

// WatchServerStream is the server end of a Watch stream.
type WatchServerStream interface {
	Send(*WatchResponse) error
	Recv() (*WatchRequest, error)
	grpc.ServerStream
}

// WatchClientStream is the client end of a Watch stream.
type WatchClientStream interface {
	Send(*WatchRequest) error
	Recv() (*WatchResponse, error)
	grpc.ClientStream
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*IngestServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Poll", Handler: pollHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: protoFileName,
}

// RegisterIngestServer registers srv on s.
func RegisterIngestServer(s grpc.ServiceRegistrar, srv IngestServer) {
	s.RegisterService(&serviceDesc, srv)
}

func pollHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PollRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IngestServer).Poll(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pollMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IngestServer).Poll(ctx, req.(*PollRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	return srv.(IngestServer).Watch(&watchServerStream{stream})
}

type watchServerStream struct {
	grpc.ServerStream
}

func (s *watchServerStream) Send(m *WatchResponse) error { return s.ServerStream.SendMsg(m) }

func (s *watchServerStream) Recv() (*WatchRequest, error) {
	m := new(WatchRequest)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Client calls the Ingest service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient returns a client using cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

// Watch opens a Watch stream.
func (c *Client) Watch(ctx context.Context, opts ...grpc.CallOption) (WatchClientStream, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[watchStreamIdx], watchMethod, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	return &watchClientStream{stream}, nil
}

// Poll asks for the next queued request.
func (c *Client) Poll(ctx context.Context, req *PollRequest, opts ...grpc.CallOption) (*PollResponse, error) {
	out := new(PollResponse)
	if err := c.cc.Invoke(ctx, pollMethod, req, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

type watchClientStream struct {
	grpc.ClientStream
}

func (s *watchClientStream) Send(m *WatchRequest) error { return s.ClientStream.SendMsg(m) }

func (s *watchClientStream) Recv() (*WatchResponse, error) {
	m := new(WatchResponse)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
