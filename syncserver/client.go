package syncserver

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chn0318/replog/sharedlog"
)

// ErrRejected is returned when the remote log refuses entries as a
// protocol violation.
var ErrRejected = errors.New("entries rejected by remote log")

// Client talks to a remote log served by Server.
type Client[A comparable, O any] struct {
	conn *grpc.ClientConn
}

// Dial connects to target without transport security.
func Dial[A comparable, O any](target string, opts ...grpc.DialOption) (*Client[A, O], error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", target)
	}
	return NewClient[A, O](conn), nil
}

func NewClient[A comparable, O any](conn *grpc.ClientConn) *Client[A, O] {
	return &Client[A, O]{conn: conn}
}

func (c *Client[A, O]) Close() error { return c.conn.Close() }

func (c *Client[A, O]) Known(ctx context.Context) (sharedlog.VClock[A], error) {
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, knownMethod, &emptypb.Empty{}, out); err != nil {
		return nil, fromStatus(err)
	}
	var known sharedlog.VClock[A]
	if err := json.Unmarshal(out.GetValue(), &known); err != nil {
		return nil, errors.Wrap(err, "decode clock")
	}
	return known, nil
}

func (c *Client[A, O]) Fetch(ctx context.Context, known sharedlog.VClock[A]) ([]sharedlog.TaggedOp[A, O], error) {
	raw, err := json.Marshal(known)
	if err != nil {
		return nil, errors.Wrap(err, "encode clock")
	}
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, fetchMethod, wrapperspb.Bytes(raw), out); err != nil {
		return nil, fromStatus(err)
	}
	var entries []sharedlog.TaggedOp[A, O]
	if err := json.Unmarshal(out.GetValue(), &entries); err != nil {
		return nil, errors.Wrap(err, "decode entries")
	}
	return entries, nil
}

func (c *Client[A, O]) Deliver(ctx context.Context, entries []sharedlog.TaggedOp[A, O]) (int, error) {
	raw, err := json.Marshal(entries)
	if err != nil {
		return 0, errors.Wrap(err, "encode entries")
	}
	out := new(wrapperspb.Int64Value)
	if err := c.conn.Invoke(ctx, deliverMethod, wrapperspb.Bytes(raw), out); err != nil {
		return 0, fromStatus(err)
	}
	return int(out.GetValue()), nil
}

// Pull copies into local what the remote log holds and local lacks.
func (c *Client[A, O]) Pull(ctx context.Context, local sharedlog.Exchanger[A, O]) (int, error) {
	known, err := local.Known()
	if err != nil {
		return 0, sharedlog.Wrap(sharedlog.KindPull, err, "read local clock")
	}
	entries, err := c.Fetch(ctx, known)
	if err != nil {
		return 0, sharedlog.Wrap(sharedlog.KindPull, err, "fetch from remote")
	}
	if len(entries) == 0 {
		return 0, nil
	}
	n, err := local.Accept(entries)
	if err != nil {
		return 0, sharedlog.Wrap(sharedlog.KindPull, err, "accept remote entries")
	}
	return n, nil
}

// Push copies to the remote log what local holds and the remote lacks.
func (c *Client[A, O]) Push(ctx context.Context, local sharedlog.Exchanger[A, O]) (int, error) {
	known, err := c.Known(ctx)
	if err != nil {
		return 0, sharedlog.Wrap(sharedlog.KindPush, err, "read remote clock")
	}
	entries, err := local.Since(known)
	if err != nil {
		return 0, sharedlog.Wrap(sharedlog.KindPush, err, "collect local entries")
	}
	if len(entries) == 0 {
		return 0, nil
	}
	n, err := c.Deliver(ctx, entries)
	if err != nil {
		return 0, sharedlog.Wrap(sharedlog.KindPush, err, "deliver to remote")
	}
	return n, nil
}

func fromStatus(err error) error {
	if status.Code(err) == codes.FailedPrecondition {
		return errors.Wrap(ErrRejected, status.Convert(err).Message())
	}
	return err
}
