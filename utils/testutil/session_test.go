package testutil

import (
	"testing"

	"github.com/notargets/KernelDispatch/session"
)

func TestCreateTestSession(t *testing.T) {
	s := CreateTestSession(t)
	dev, err := s.SelectDevice(session.Criteria{Type: session.CPU})
	if err != nil {
		t.Fatalf("SelectDevice: %v", err)
	}
	ctx, err := s.CreateContext(dev)
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	q, err := s.CreateQueue(ctx, dev, session.InOrder)
	if err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	if err := s.Finish(q); err != nil {
		t.Errorf("Finish: %v", err)
	}
}
