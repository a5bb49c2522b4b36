// Package testutil holds helpers for tests that need a live session.
package testutil

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/notargets/KernelDispatch/driver/host"
	"github.com/notargets/KernelDispatch/session"
)

// CreateTestSession creates a session over the host driver that logs to
// the test output. It is closed when the test ends.
func CreateTestSession(t testing.TB, opts ...session.Option) *session.Session {
	t.Helper()
	d := host.NewDefault()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := session.New(d, append([]session.Option{session.WithLogger(logger)}, opts...)...)
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("failed to close session: %v", err)
		}
		_ = d.Close()
	})
	return s
}

type testWriter struct{ t testing.TB }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
