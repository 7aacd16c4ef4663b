package scheduler

import (
	"time"

	"github.com/quantarax/quicreq/internal/request"
)

// unit is one work unit. It is owned by exactly one goroutine at a time:
// the dispatch loop until it is handed to the goroutine driving its stream.
type unit struct {
	index   int
	req     request.Descriptor
	state   State
	started time.Time

	connID   string
	streamID int64
	status   int
	bytes    int64
	digest   string

	s *Scheduler
}

func (s *Scheduler) newUnit(index int, req request.Descriptor) *unit {
	s.opts.Metrics.RecordTransition("", StatePending.String())
	return &unit{index: index, req: req, state: StatePending, streamID: -1, s: s}
}

func (u *unit) to(next State) bool {
	if err := checkTransition(u.state, next); err != nil {
		u.s.opts.Logger.Error(err, "work unit transition rejected")
		return false
	}
	if u.state == StatePending {
		u.started = time.Now()
	}
	u.s.opts.Logger.WorkUnitTransition(u.index, u.state.String(), next.String())
	u.s.opts.Metrics.RecordTransition(u.state.String(), next.String())
	u.state = next
	return true
}

func (u *unit) complete() {
	if u.to(StateCompleted) {
		u.emit(KindNone, nil)
	}
}

func (u *unit) fail(kind ErrorKind, err error) {
	if u.to(StateFailed) {
		u.emit(kind, &UnitError{Kind: kind, Err: err})
	}
}

func (u *unit) emit(kind ErrorKind, err error) {
	var elapsed time.Duration
	if !u.started.IsZero() {
		elapsed = time.Since(u.started)
	}
	o := Outcome{
		Index:    u.index,
		URL:      u.req.URL,
		State:    u.state,
		Status:   u.status,
		Bytes:    u.bytes,
		Elapsed:  elapsed,
		Kind:     kind,
		Err:      err,
		Digest:   u.digest,
		ConnID:   u.connID,
		StreamID: u.streamID,
	}
	u.s.opts.Logger.OutcomeRecorded(o.Index, o.URL, o.State.String(), o.Bytes, o.Elapsed, kind.String(), err)
	u.s.opts.Metrics.RecordRequest(o.State.String(), kind.String(), o.Bytes, o.Elapsed.Seconds())
	u.s.rec.Record(o)
}
