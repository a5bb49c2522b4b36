//go:build !opencl

package opencl

import (
	"errors"
	"testing"
)

func TestNewUnavailable(t *testing.T) {
	drv, err := New()
	if drv != nil {
		t.Fatalf("expected no driver, got %v", drv)
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
