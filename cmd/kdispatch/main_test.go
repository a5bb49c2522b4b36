package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/KernelDispatch/driver/host"
	"github.com/notargets/KernelDispatch/session"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRunHelloWorld(t *testing.T) {
	out, err := execute(t, "run", "--local", "1000")
	require.NoError(t, err)
	assert.Equal(t, "output[511999] = 511999.0\n", out)
}

func TestRunRejectsWorkGroupSize(t *testing.T) {
	_, err := execute(t, "run", "-n", "512000", "--local", "3")
	require.Error(t, err)
	assert.True(t, errors.Is(err, session.ErrInvalidWorkGroupSize), "got %v", err)
}

func TestRunSourceFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "scale.cl")
	require.NoError(t, os.WriteFile(src, []byte(`
__kernel void scale_f64(__global const double* x, __global double* y, const double alpha)
{
	int i = get_global_id(0);
	y[i] = alpha * x[i];
}
`), 0o644))
	// integer scalars receive n, so an f64 alpha is rejected at bind time
	_, err := execute(t, "run", "--source", src, "--kernel", "scale_f64", "-n", "100")
	require.Error(t, err)
	assert.True(t, errors.Is(err, session.ErrArgumentType), "got %v", err)
}

func TestRunBuildFailure(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "broken.cl")
	require.NoError(t, os.WriteFile(src, []byte("__kernel void helloworld(__global double* out) {"), 0o644))
	_, err := execute(t, "run", "--source", src)
	require.Error(t, err)
	assert.True(t, errors.Is(err, session.ErrBuild), "got %v", err)
}

// stallSession opens host sessions whose stall kernel blocks until the test ends
func stallSession(t *testing.T) {
	release := make(chan struct{})
	lib := host.DefaultLibrary()
	lib.MustRegister("stall", "__global int* out", func(wg *host.WorkGroup) error {
		<-release
		return nil
	})
	prev := openSession
	openSession = func(name string, opts ...session.Option) (*session.Session, func() error, error) {
		cfg := host.DefaultConfig()
		cfg.Library = lib
		d := host.New(cfg)
		s := session.New(d, opts...)
		return s, func() error {
			serr := s.Close()
			if derr := d.Close(); serr == nil {
				serr = derr
			}
			return serr
		}, nil
	}
	t.Cleanup(func() {
		openSession = prev
		close(release)
	})
}

func TestRunTimeout(t *testing.T) {
	stallSession(t)
	src := filepath.Join(t.TempDir(), "stall.cl")
	if err := os.WriteFile(src, []byte("__kernel void stall(__global int* out) { out[0] = 1; }\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	start := time.Now()
	go func() {
		_, err := execute(t, "run", "--source", src, "--kernel", "stall", "-n", "1", "--timeout", "50ms")
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected a deadline error, got %v", err)
		}
		if elapsed := time.Since(start); elapsed > 5*time.Second {
			t.Errorf("run returned after %v", elapsed)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after its timeout")
	}
}

func TestRunConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("elements: 2000\nlocal: 3\ntimeout: 30s\n"), 0o644))

	cfg, err := loadRunConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2000, cfg.Elements)
	assert.Equal(t, 3, cfg.Local)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, "host", cfg.Driver)

	// the file's local size does not divide 2000, the flag overrides it
	_, err = execute(t, "run", "--config", path)
	assert.True(t, errors.Is(err, session.ErrInvalidWorkGroupSize), "got %v", err)
	out, err := execute(t, "run", "--config", path, "--local", "500")
	require.NoError(t, err)
	assert.Equal(t, "output[1999] = 1999.0\n", out)
}

func TestRunConfigErrors(t *testing.T) {
	_, err := loadRunConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = execute(t, "run", "-n", "0")
	assert.ErrorContains(t, err, "elements must be positive")
	_, err = execute(t, "run", "--driver", "metal")
	assert.ErrorContains(t, err, "no kernel dialect")
	_, err = execute(t, "run", "--log-level", "loud")
	assert.ErrorContains(t, err, "unknown log level")
}

func TestDevices(t *testing.T) {
	out, err := execute(t, "devices", "-v")
	require.NoError(t, err)
	assert.Contains(t, out, "KernelDispatch : Go Host")
	assert.Contains(t, out, "CPU")
	assert.Contains(t, out, "compute units")
}

func TestMatmul(t *testing.T) {
	out, err := execute(t, "matmul", "--print")
	require.NoError(t, err)
	assert.Contains(t, out, "matmul 3x4 * 4x5 verified")
	assert.True(t, strings.HasPrefix(out, "c =\n"))

	out, err = execute(t, "matmul", "--n", "16", "--m", "9", "--p", "7", "--seed", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "verified")

	_, err = execute(t, "matmul", "--n", "0")
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "kdispatch version "+version+"\n", out)
}
