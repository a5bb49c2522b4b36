package session

import (
	"context"
	"fmt"
	"sync"
)

// Ordering is the execution order of a command queue
type Ordering int

const (
	// InOrder queues run commands one at a time in submission order
	InOrder Ordering = iota
	// OutOfOrder queues run each command as soon as its wait list resolves
	OutOfOrder
)

func (o Ordering) String() string {
	if o == OutOfOrder {
		return "OUT_OF_ORDER"
	}
	return "IN_ORDER"
}

type queueObj struct {
	id       QueueID
	ctx      *contextObj
	device   DeviceID
	devIndex int
	ordering Ordering
	disp     *dispatcher

	// events not yet seen terminal, in submission order; terminal ones are
	// pruned on submit but stay in the arena until released
	events []*event
}

// CreateQueue opens a command queue on a device of the context
func (s *Session) CreateQueue(ctxID ContextID, device DeviceID, ordering Ordering) (QueueID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.context(ctxID)
	if err != nil {
		return 0, err
	}
	idx := c.deviceIndex(device)
	if idx < 0 {
		return 0, fmt.Errorf("%s is not a device of %s: %w", device, ctxID, ErrContextMismatch)
	}
	q := &queueObj{
		ctx:      c,
		device:   device,
		devIndex: idx,
		ordering: ordering,
		disp:     newDispatcher(ordering == InOrder),
	}
	q.id = QueueID(s.queues.add(q))
	c.queues++
	go q.disp.loop()
	s.log.Debug("queue created", "queue", q.id.String(), "device", device.String(), "ordering", ordering.String())
	return q.id, nil
}

// Finish blocks until every command submitted to the queue so far has
// reached a terminal state. Command failures are reported per event, not
// by Finish.
func (s *Session) Finish(id QueueID) error {
	s.mu.Lock()
	q, err := s.queue(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	pending := s.pendingEvents(q)
	s.mu.Unlock()

	for _, ev := range pending {
		<-ev.done
	}
	return nil
}

// FinishContext waits like Finish but gives up when ctx is done, returning
// the context's error. The commands keep running.
func (s *Session) FinishContext(ctx context.Context, id QueueID) error {
	s.mu.Lock()
	q, err := s.queue(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	pending := s.pendingEvents(q)
	s.mu.Unlock()

	for _, ev := range pending {
		select {
		case <-ev.done:
			continue
		default:
		}
		select {
		case <-ev.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Session) queue(id QueueID) (*queueObj, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	q, l := s.queues.get(handle(id))
	if l != found {
		return nil, lookupError(id, l)
	}
	return q, nil
}

// pendingEvents returns the non-terminal events of q, or of every queue
// when q is nil
func (s *Session) pendingEvents(q *queueObj) []*event {
	var out []*event
	collect := func(q *queueObj) {
		for _, ev := range q.events {
			if !ev.Status().Terminal() {
				out = append(out, ev)
			}
		}
	}
	if q != nil {
		collect(q)
		return out
	}
	s.queues.each(func(_ handle, q *queueObj) { collect(q) })
	return out
}

func (s *Session) releaseQueue(id QueueID, q *queueObj) error {
	if pending := s.pendingEvents(q); len(pending) > 0 {
		return fmt.Errorf("%s has %d commands in flight: %w", id, len(pending), ErrResourceInUse)
	}
	s.events.each(func(h handle, ev *event) {
		if ev.queue == q {
			s.events.remove(h)
		}
	})
	q.events = nil
	q.disp.close()
	q.ctx.queues--
	s.queues.remove(handle(id))
	s.log.Debug("queue released", "queue", id.String())
	return nil
}

// dispatcher executes the commands of one queue
type dispatcher struct {
	inOrder bool

	mu     sync.Mutex
	cond   *sync.Cond
	cmds   []*event
	closed bool
}

func newDispatcher(inOrder bool) *dispatcher {
	d := &dispatcher{inOrder: inOrder}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *dispatcher) push(ev *event) {
	d.mu.Lock()
	d.cmds = append(d.cmds, ev)
	d.mu.Unlock()
	d.cond.Signal()
}

func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cond.Broadcast()
}

func (d *dispatcher) loop() {
	for {
		d.mu.Lock()
		for len(d.cmds) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.cmds) == 0 {
			d.mu.Unlock()
			return
		}
		ev := d.cmds[0]
		d.cmds[0] = nil
		d.cmds = d.cmds[1:]
		d.mu.Unlock()

		if d.inOrder {
			ev.execute()
		} else {
			go ev.execute()
		}
	}
}
