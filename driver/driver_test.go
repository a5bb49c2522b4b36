package driver

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseDeviceType(t *testing.T) {
	tests := []struct {
		in   string
		want DeviceType
		err  bool
	}{
		{"cpu", DeviceCPU, false},
		{"GPU", DeviceGPU, false},
		{"accelerator", DeviceAccelerator, false},
		{"any", DeviceAny, false},
		{"", DeviceAny, false},
		{"fpga", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDeviceType(tt.in)
		if tt.err {
			if err == nil {
				t.Errorf("%q: expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("%q: expected %v, got %v (%v)", tt.in, tt.want, got, err)
		}
	}

	if s := (DeviceCPU | DeviceGPU).String(); s != "CPU|GPU" {
		t.Errorf("expected CPU|GPU, got %s", s)
	}
}

func TestStatusError(t *testing.T) {
	err := fmt.Errorf("failed to launch: %w", Errorf("Launch", StatusInvalidKernelArgs, "arg %d unset", 2))

	if Code(err) != StatusInvalidKernelArgs {
		t.Errorf("expected code %d, got %d", StatusInvalidKernelArgs, Code(err))
	}
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatal("expected *StatusError in chain")
	}
	if se.Error() != "Launch: arg 2 unset: INVALID_KERNEL_ARGS (-52)" {
		t.Errorf("unexpected message %q", se.Error())
	}

	if Code(nil) != StatusSuccess {
		t.Error("nil error must map to success")
	}
	if Code(errors.New("boom")) != StatusOutOfResources {
		t.Error("untyped errors must map to out of resources")
	}
	if StatusName(-9999) != "UNKNOWN_STATUS(-9999)" {
		t.Errorf("unexpected name %s", StatusName(-9999))
	}
}

func TestLaunchItems(t *testing.T) {
	l := Launch{Dims: 2, Global: [3]int{4, 5, 7}}
	if l.Items() != 20 {
		t.Errorf("expected 20 items, got %d", l.Items())
	}
}
