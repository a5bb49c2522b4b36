package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/notargets/KernelDispatch/driver"
)

// Status is the lifecycle state of an enqueued command
type Status int

const (
	Queued Status = iota
	Running
	Completed
	Failed
)

func (s Status) String() string {
	switch s {
	case Queued:
		return "QUEUED"
	case Running:
		return "RUNNING"
	case Completed:
		return "COMPLETED"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Terminal reports whether the state is final
func (s Status) Terminal() bool { return s == Completed || s == Failed }

// EventInfo is a snapshot of an event
type EventInfo struct {
	ID      EventID
	Queue   QueueID
	Op      string
	Status  Status
	Err     error
	Queued  time.Time
	Started time.Time
	Ended   time.Time
}

// Duration returns the execution time of a finished command
func (i EventInfo) Duration() time.Duration {
	if i.Started.IsZero() || i.Ended.IsZero() {
		return 0
	}
	return i.Ended.Sub(i.Started)
}

type event struct {
	id    EventID
	queue *queueObj
	op    string
	deps  []*event
	run   func() error
	log   *slog.Logger

	mu      sync.Mutex
	status  Status
	err     error
	queued  time.Time
	started time.Time
	ended   time.Time
	done    chan struct{}
}

func (e *event) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *event) result() (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, e.err
}

func (e *event) info() EventInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EventInfo{
		ID:      e.id,
		Queue:   e.queue.id,
		Op:      e.op,
		Status:  e.status,
		Err:     e.err,
		Queued:  e.queued,
		Started: e.started,
		Ended:   e.ended,
	}
}

// execute waits for the wait list, then runs the command. A failed
// dependency fails the event without running it.
func (e *event) execute() {
	for _, dep := range e.deps {
		<-dep.done
	}
	for _, dep := range e.deps {
		if st, err := dep.result(); st == Failed {
			e.finish(&DeviceExecutionError{
				Code: driver.StatusExecStatusErrorWaitList,
				Op:   e.op,
				Err:  fmt.Errorf("wait-list %s failed: %w", dep.id, err),
			})
			return
		}
	}

	e.mu.Lock()
	e.status = Running
	e.started = time.Now()
	e.mu.Unlock()

	if err := e.run(); err != nil {
		e.finish(execError(e.op, err))
		return
	}
	e.finish(nil)
}

func (e *event) finish(err error) {
	e.mu.Lock()
	e.ended = time.Now()
	if err != nil {
		e.status, e.err = Failed, err
	} else {
		e.status = Completed
	}
	e.mu.Unlock()
	close(e.done)

	if err != nil {
		e.log.Warn("command failed", "event", e.id.String(), "op", e.op, "err", err)
	} else {
		e.log.Debug("command completed", "event", e.id.String(), "op", e.op)
	}
}

// submit registers a command on q and hands it to the dispatcher. The
// caller holds s.mu.
func (s *Session) submit(q *queueObj, op string, deps []*event, run func() error) *event {
	ev := &event{
		queue:  q,
		op:     op,
		deps:   deps,
		run:    run,
		log:    s.log,
		status: Queued,
		queued: time.Now(),
		done:   make(chan struct{}),
	}
	ev.id = EventID(s.events.add(ev))
	q.events = append(pruneTerminal(q.events), ev)
	q.disp.push(ev)
	return ev
}

// resolveEvents looks up a wait list, requiring every event to belong to c
func (s *Session) resolveEvents(c *contextObj, ids []EventID) ([]*event, error) {
	evs := make([]*event, 0, len(ids))
	for _, id := range ids {
		ev, l := s.events.get(handle(id))
		if l != found {
			return nil, lookupError(id, l)
		}
		if ev.queue.ctx != c {
			return nil, fmt.Errorf("%s belongs to %s, not %s: %w", id, ev.queue.ctx.id, c.id, ErrContextMismatch)
		}
		evs = append(evs, ev)
	}
	return evs, nil
}

func (s *Session) event(id EventID) (*event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ev, l := s.events.get(handle(id))
	if l != found {
		return nil, lookupError(id, l)
	}
	return ev, nil
}

// lookupEvents resolves events for waiting; they need not share a context
func (s *Session) lookupEvents(ids []EventID) ([]*event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := make([]*event, len(ids))
	for i, id := range ids {
		ev, err := s.event(id)
		if err != nil {
			return nil, err
		}
		evs[i] = ev
	}
	return evs, nil
}

// Status returns the current state of an event without blocking
func (s *Session) Status(id EventID) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, err := s.event(id)
	if err != nil {
		return 0, err
	}
	return ev.Status(), nil
}

// EventInfo returns a snapshot of an event
func (s *Session) EventInfo(id EventID) (EventInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, err := s.event(id)
	if err != nil {
		return EventInfo{}, err
	}
	return ev.info(), nil
}

// Wait blocks until every event is terminal. It returns the error of the
// first failed event in argument order.
func (s *Session) Wait(ids ...EventID) error {
	evs, err := s.lookupEvents(ids)
	if err != nil {
		return err
	}
	for _, ev := range evs {
		<-ev.done
	}
	return firstFailure(evs)
}

func firstFailure(evs []*event) error {
	for _, ev := range evs {
		if st, err := ev.result(); st == Failed {
			return err
		}
	}
	return nil
}

// WaitContext waits like Wait but gives up when ctx is done, returning the
// context's error. The commands keep running. Status is polled every poll,
// or at the session's interval when poll is not positive.
func (s *Session) WaitContext(ctx context.Context, poll time.Duration, ids ...EventID) error {
	evs, err := s.lookupEvents(ids)
	if err != nil {
		return err
	}
	if poll <= 0 {
		poll = s.poll
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		terminal := true
		for _, ev := range evs {
			if !ev.Status().Terminal() {
				terminal = false
				break
			}
		}
		if terminal {
			return firstFailure(evs)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// EnqueueMarker returns an event that completes when its wait list does.
// With an empty wait list it waits for every command already submitted to
// the queue.
func (s *Session) EnqueueMarker(qid QueueID, waitList ...EventID) (EventID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.queue(qid)
	if err != nil {
		return 0, err
	}
	deps, err := s.resolveEvents(q.ctx, waitList)
	if err != nil {
		return 0, err
	}
	if len(waitList) == 0 {
		deps = append(deps, s.pendingEvents(q)...)
	}
	ev := s.submit(q, "marker", deps, func() error { return nil })
	return ev.id, nil
}

func (s *Session) releaseEvent(id EventID, ev *event) error {
	if !ev.Status().Terminal() {
		return fmt.Errorf("%s is %s: %w", id, ev.Status(), ErrResourceInUse)
	}
	q := ev.queue
	for i, e := range q.events {
		if e == ev {
			q.events = append(q.events[:i], q.events[i+1:]...)
			break
		}
	}
	s.events.remove(handle(id))
	return nil
}
