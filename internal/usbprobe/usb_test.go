package usbprobe

import (
	"errors"
	"testing"

	"github.com/google/gousb"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		name     string
		vid, pid gousb.ID
		want     string
		ok       bool
	}{
		{"espressif native", 0x303A, 0x1001, "espressif", true},
		{"espressif any product", 0x303A, 0x0002, "espressif", true},
		{"cp210x", 0x10C4, 0xEA60, "cp210x", true},
		{"ch340", 0x1A86, 0x7523, "ch340", true},
		{"silabs other product", 0x10C4, 0x0001, "", false},
		{"xmos dsp", 0x38FB, 0x1001, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Match(tt.vid, tt.pid)
			if got != tt.want || ok != tt.ok {
				t.Errorf("Match(%v, %v) = (%q, %v), want (%q, %v)", tt.vid, tt.pid, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestProber_Status(t *testing.T) {
	var devices []Device
	var scanErr error

	p := NewProber(func() ([]Device, error) { return devices, scanErr }, nil)

	p.Probe()
	if ok, msg := p.Status(); ok || msg != "no board attached" {
		t.Errorf("Status() = (%v, %q), want (false, no board attached)", ok, msg)
	}

	devices = []Device{{Vendor: 0x10C4, Product: 0xEA60, Bus: 1, Address: 4, Kind: "cp210x"}}
	got, err := p.Probe()
	if err != nil || len(got) != 1 {
		t.Fatalf("Probe() = %v, %v", got, err)
	}
	if ok, msg := p.Status(); !ok || msg == "" {
		t.Errorf("Status() = (%v, %q), want healthy with description", ok, msg)
	}

	scanErr = errors.New("libusb: access denied")
	p.Probe()
	if ok, msg := p.Status(); ok || msg != "libusb: access denied" {
		t.Errorf("Status() = (%v, %q), want scan error", ok, msg)
	}

	if p.GetStats().Scans != 3 {
		t.Errorf("Scans = %d, want 3", p.GetStats().Scans)
	}
}
