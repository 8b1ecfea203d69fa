package rpcserver

import (
	"context"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tanmoysrt/rdsagent/pkg/metrics"
	"github.com/tanmoysrt/rdsagent/pkg/registry"
)

// ServiceName is the gRPC service path every Invoke/Listen call targets;
// the Envelope.Service field is this agent's own routing, one layer
// below gRPC's service/method.
const ServiceName = "rdsagent.Agent"

// ListenSource supplies the replay-then-forward event stream backing
// Job/Listen. pkg/jobs implements this; rpcserver only depends on the
// interface so the two packages don't import each other.
type ListenSource interface {
	Listen(ctx context.Context, meta map[string]string) (<-chan []byte, error)
}

type agentServer struct {
	table *registry.Table
	jobs  ListenSource
	auth  *Authenticator
}

func (s *agentServer) invoke(ctx context.Context, env *registry.Envelope) (*registry.Envelope, error) {
	timer := metrics.NewTimer()
	entry, ok := s.table.Lookup(env.Service, env.Method)
	if !ok {
		metrics.RPCRequestsTotal.WithLabelValues(env.Service, env.Method, codes.NotFound.String()).Inc()
		return nil, status.Errorf(codes.NotFound, "unknown method %s/%s", env.Service, env.Method)
	}
	resp, err := entry.Handler(ctx, env.Meta, env.Payload)
	timer.ObserveDurationVec(metrics.RPCRequestDuration, env.Service, env.Method)
	metrics.RPCRequestsTotal.WithLabelValues(env.Service, env.Method, status.Code(err).String()).Inc()
	if err != nil {
		return nil, err
	}
	return &registry.Envelope{Service: env.Service, Method: env.Method, Payload: resp}, nil
}

// listen authenticates explicitly: stream calls never pass through the
// unary interceptor chain, and Job/Listen must not be the one unguarded
// entry point.
func (s *agentServer) listen(env *registry.Envelope, stream grpc.ServerStream) error {
	if err := s.auth.Authenticate(stream.Context(), env); err != nil {
		return err
	}
	ch, err := s.jobs.Listen(stream.Context(), env.Meta)
	if err != nil {
		return err
	}
	for {
		select {
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(&registry.Envelope{Service: env.Service, Method: env.Method, Payload: payload}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

func invokeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(registry.Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*agentServer)
	if interceptor == nil {
		return s.invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Invoke"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.invoke(ctx, req.(*registry.Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

func listenHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(registry.Envelope)
	if err := stream.RecvMsg(in); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	return srv.(*agentServer).listen(in, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*agentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Listen", Handler: listenHandler, ServerStreams: true},
	},
	Metadata: "rdsagent/agent",
}
