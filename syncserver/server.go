// Package syncserver exposes a log over gRPC so that replicas in other
// processes can push to and pull from it.
package syncserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chn0318/replog/sharedlog"
)

type Server[A comparable, O any] struct {
	log    sharedlog.Exchanger[A, O]
	logger log.Logger
}

var _ SyncServer = (*Server[string, json.RawMessage])(nil)

func NewServer[A comparable, O any](l sharedlog.Exchanger[A, O], logger log.Logger) *Server[A, O] {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server[A, O]{log: l, logger: logger}
}

func (s *Server[A, O]) Known(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	known, err := s.log.Known()
	if err != nil {
		return nil, toStatus(err)
	}
	raw, err := json.Marshal(known)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(raw), nil
}

func (s *Server[A, O]) Fetch(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var known sharedlog.VClock[A]
	if err := json.Unmarshal(req.GetValue(), &known); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode clock: %v", err)
	}
	entries, err := s.log.Since(known)
	if err != nil {
		return nil, toStatus(err)
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(raw), nil
}

func (s *Server[A, O]) Deliver(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.Int64Value, error) {
	var entries []sharedlog.TaggedOp[A, O]
	if err := json.Unmarshal(req.GetValue(), &entries); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode entries: %v", err)
	}
	n, err := s.log.Accept(entries)
	if err != nil {
		level.Warn(s.logger).Log("msg", "rejected delivery", "entries", len(entries), "err", err)
		return nil, toStatus(err)
	}
	if n > 0 {
		level.Info(s.logger).Log("msg", "accepted delivery", "entries", n)
	}
	return wrapperspb.Int64(int64(n)), nil
}

// toStatus maps protocol violations to FailedPrecondition and everything
// else to Internal.
func toStatus(err error) error {
	switch {
	case errors.Is(err, sharedlog.ErrGap), errors.Is(err, sharedlog.ErrDivergentHistory):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// LoggingInterceptor logs every call with its duration and status code.
func LoggingInterceptor(logger log.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		begin := time.Now()
		resp, err := handler(ctx, req)
		level.Debug(logger).Log(
			"method", info.FullMethod,
			"code", status.Code(err),
			"took", time.Since(begin),
		)
		return resp, err
	}
}
