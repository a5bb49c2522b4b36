package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// releaseRank orders kinds so dependents go before what they depend on
var releaseRank = map[handleKind]int{
	kindKernel:  0,
	kindEvent:   1,
	kindProgram: 2,
	kindBuffer:  3,
	kindQueue:   4,
	kindContext: 5,
}

// Scope releases a group of handles together. Kernels go first, then
// events, programs, buffers, queues and contexts, whatever the order they
// were tracked in; handles of one kind go newest first.
type Scope struct {
	s *Session

	mu      sync.Mutex
	handles []Handle
}

// NewScope returns an empty scope over s
func NewScope(s *Session) *Scope {
	return &Scope{s: s}
}

// Track adds handles to the scope
func (sc *Scope) Track(hs ...Handle) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.handles = append(sc.handles, hs...)
}

// Close waits for the scope's queues and events, then releases every
// tracked handle
func (sc *Scope) Close() error {
	return sc.CloseContext(context.Background())
}

// CloseContext is Close with a bounded drain. If ctx ends first it returns
// the context's error and keeps every handle tracked, so a later Close can
// finish the job.
func (sc *Scope) CloseContext(ctx context.Context) error {
	sc.mu.Lock()
	hs := sc.handles
	sc.handles = nil
	sc.mu.Unlock()

	for _, h := range hs {
		var err error
		switch id := h.(type) {
		case QueueID:
			err = sc.s.FinishContext(ctx, id)
		case EventID:
			err = sc.s.WaitContext(ctx, 0, id)
		}
		if err == nil || errors.Is(err, ErrReleased) || errors.Is(err, ErrClosed) || errors.Is(err, ErrDeviceExecution) {
			continue
		}
		sc.mu.Lock()
		sc.handles = append(hs, sc.handles...)
		sc.mu.Unlock()
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return err
		}
		return fmt.Errorf("failed to drain %s: %w", h, err)
	}

	order := make([]Handle, len(hs))
	for i, h := range hs {
		order[len(hs)-1-i] = h
	}
	sort.SliceStable(order, func(a, b int) bool {
		return releaseRank[order[a].kind()] < releaseRank[order[b].kind()]
	})

	var errs []error
	for _, h := range order {
		if err := sc.s.Release(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
