package sharedlog

// TaggedOp is the unit of replication: an opaque operation and the dot that
// identifies it. Two TaggedOps with the same dot are the same event.
type TaggedOp[A comparable, O any] struct {
	Dot Dot[A] `json:"dot"`
	Op  O      `json:"op"`
}

// SameEvent reports whether t and other carry the same dot.
func (t *TaggedOp[A, O]) SameEvent(other *TaggedOp[A, O]) bool {
	return other != nil && t.Dot == other.Dot
}

// Log defines the abstraction of a replicated operation log bound to one
// local actor. L is the implementing type itself: logs synchronize with
// peers of the same backend.
//
// Implementations are not meant to be driven by two call sequences at once.
type Log[A comparable, O any, L any] interface {
	// Commit mints the next dot for the local actor and durably records op
	// under it. The entry is immediately visible to Next. On error no dot
	// is consumed.
	Commit(op O) (*TaggedOp[A, O], error)

	// Next returns the oldest entry not yet acked, or nil when every entry
	// has been acked. Without an intervening Ack or mutation it keeps
	// returning the same entry.
	Next() (*TaggedOp[A, O], error)

	// Ack marks op as applied. op must be the pending head for its actor;
	// otherwise ErrNotPending or ErrAlreadyApplied is returned.
	Ack(op *TaggedOp[A, O]) error

	// Pull copies every entry other holds that this log does not.
	Pull(other L) error

	// Push copies every entry this log holds that other does not.
	Push(other L) error
}

// Exchanger is the backend-neutral side of synchronization. It lets logs of
// different backends, or logs in different processes, trade entries.
type Exchanger[A comparable, O any] interface {
	// Known returns the highest counter held per actor.
	Known() (VClock[A], error)

	// Since returns the entries not covered by known, each actor's entries
	// in commit order.
	Since(known VClock[A]) ([]TaggedOp[A, O], error)

	// Accept stores entries not yet held. Already held dots are skipped.
	// A batch that would leave a hole in an actor's history is rejected as
	// a whole with ErrGap. It returns the number of new entries.
	Accept(entries []TaggedOp[A, O]) (int, error)
}

// Transfer moves everything src holds and dst lacks into dst.
func Transfer[A comparable, O any](dst, src Exchanger[A, O]) (int, error) {
	known, err := dst.Known()
	if err != nil {
		return 0, err
	}
	entries, err := src.Since(known)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return dst.Accept(entries)
}

// CheckContiguous verifies that entries, applied on top of known, extend
// every actor's history without holes. It returns the subset that is new.
func CheckContiguous[A comparable, O any](known VClock[A], entries []TaggedOp[A, O]) ([]TaggedOp[A, O], error) {
	next := known.Clone()
	fresh := make([]TaggedOp[A, O], 0, len(entries))
	for _, e := range entries {
		switch have := next.Get(e.Dot.Actor); {
		case e.Dot.Counter == 0:
			return nil, NewError(KindPull, e.Dot, ErrGap)
		case e.Dot.Counter <= have:
			continue
		case e.Dot.Counter != have+1:
			return nil, NewError(KindPull, e.Dot, ErrGap)
		}
		next.Apply(e.Dot)
		fresh = append(fresh, e)
	}
	return fresh, nil
}
