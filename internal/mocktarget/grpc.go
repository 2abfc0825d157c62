package mocktarget

import (
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/wesleyorama2/volley/internal/event"
)

// GRPCServer returns a server that accepts the event handler methods on any
// service name. Stat updates advance the sender's active goals.
func (s *Server) GRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.UnknownServiceHandler(s.handleEvent))
	return grpc.NewServer(opts...)
}

func (s *Server) handleEvent(_ any, stream grpc.ServerStream) error {
	full, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "no method in stream")
	}
	method := strings.TrimPrefix(full, "/")

	msg, err := event.New(method)
	if err != nil {
		s.trackEvent("unknown")
		return status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}
	if err := stream.RecvMsg(msg); err != nil {
		return err
	}
	s.trackEvent(method)

	if err := s.delay(stream.Context()); err != nil {
		return status.FromContextError(err).Err()
	}
	if s.shouldInjectFailure() {
		s.logger.Debug("injected failure", zap.String("method", method))
		return status.Error(codes.Internal, "injected failure")
	}

	env, err := event.Decode(msg)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if env.UserID == "" {
		return status.Error(codes.InvalidArgument, "userId is required")
	}

	switch method {
	case event.StatMethod:
		s.applyStat(env.UserID)
	case event.LoginMethod:
		s.applyLogin(env.UserID)
	}
	return stream.SendMsg(&emptypb.Empty{})
}
