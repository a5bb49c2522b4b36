// Package session implements the compute dispatch session: device
// discovery, contexts and command queues, program builds, device buffers,
// kernel dispatch with event dependencies, and dependency-ordered release.
//
// A Session wraps one driver. Every object it creates is named by a typed
// handle that stays valid until released; use after release fails with
// ErrReleased. Commands are executed by per-queue dispatchers, so enqueue
// calls return immediately and completion is observed through events.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/notargets/KernelDispatch/driver"
)

// DefaultPollInterval is how often WaitContext polls event status
const DefaultPollInterval = time.Millisecond

// Session is a dispatch session over one driver
type Session struct {
	drv  driver.Driver
	id   uuid.UUID
	log  *slog.Logger
	poll time.Duration

	mu       sync.Mutex
	closed   bool
	contexts arena[contextObj]
	queues   arena[queueObj]
	programs arena[programObj]
	kernels  arena[kernelObj]
	buffers  arena[bufferObj]
	events   arena[event]
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets the session logger. Sessions log nothing by default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithPollInterval sets the default WaitContext polling interval
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.poll = d
		}
	}
}

// New creates a session over drv. The session does not take ownership of
// the driver.
func New(drv driver.Driver, opts ...Option) *Session {
	if drv == nil {
		panic("session: nil driver")
	}
	s := &Session{
		drv:  drv,
		id:   uuid.New(),
		log:  slog.New(slog.DiscardHandler),
		poll: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("session", s.id.String(), "driver", drv.Name())
	s.log.Debug("session opened")
	return s
}

// ID returns the session's unique identifier
func (s *Session) ID() uuid.UUID { return s.id }

// Driver returns the driver the session runs on
func (s *Session) Driver() driver.Driver { return s.drv }

// Logger returns the session logger
func (s *Session) Logger() *slog.Logger { return s.log }

func (s *Session) checkOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close waits for every enqueued command to finish, then releases kernels,
// programs, buffers, queues and contexts in that order. Later calls on the
// session fail with ErrClosed. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.pendingEvents(nil)
	s.mu.Unlock()

	for _, ev := range pending {
		<-ev.done
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	s.kernels.each(func(h handle, k *kernelObj) {
		errs = append(errs, s.releaseKernel(KernelID(h), k))
	})
	s.programs.each(func(h handle, p *programObj) {
		errs = append(errs, s.releaseProgram(ProgramID(h), p))
	})
	s.buffers.each(func(h handle, b *bufferObj) {
		errs = append(errs, s.releaseBuffer(BufferID(h), b))
	})
	s.queues.each(func(h handle, q *queueObj) {
		errs = append(errs, s.releaseQueue(QueueID(h), q))
	})
	s.contexts.each(func(h handle, c *contextObj) {
		errs = append(errs, s.releaseContext(ContextID(h), c))
	})
	s.log.Debug("session closed")
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}
