// Package usbprobe detects a wired ESP32 board on the local USB bus
package usbprobe

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gousb"
)

// USB identifiers of boards that can host the remote endpoint
const (
	EspressifVendorID   = 0x303A // native USB (ESP32-S2/S3/C3)
	SiliconLabsVendorID = 0x10C4
	CP210xProductID     = 0xEA60
	WCHVendorID         = 0x1A86
	CH340ProductID      = 0x7523
)

// Device is one matching USB device
type Device struct {
	Vendor  gousb.ID `json:"vendor"`
	Product gousb.ID `json:"product"`
	Bus     int      `json:"bus"`
	Address int      `json:"address"`
	Kind    string   `json:"kind"`
}

func (d Device) String() string {
	return fmt.Sprintf("%s %s:%s (bus %d addr %d)", d.Kind, d.Vendor, d.Product, d.Bus, d.Address)
}

// Match reports whether vid:pid identifies an ESP32 or a common USB-UART bridge
func Match(vid, pid gousb.ID) (string, bool) {
	switch {
	case vid == EspressifVendorID:
		return "espressif", true
	case vid == SiliconLabsVendorID && pid == CP210xProductID:
		return "cp210x", true
	case vid == WCHVendorID && pid == CH340ProductID:
		return "ch340", true
	}
	return "", false
}

// Scan enumerates the bus once. Devices are matched on their descriptors
// and never opened.
func Scan() ([]Device, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var found []Device
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if kind, ok := Match(desc.Vendor, desc.Product); ok {
			found = append(found, Device{
				Vendor:  desc.Vendor,
				Product: desc.Product,
				Bus:     desc.Bus,
				Address: desc.Address,
				Kind:    kind,
			})
		}
		return false
	})
	for _, d := range devs {
		d.Close()
	}
	if err != nil {
		return found, fmt.Errorf("enumerate usb: %w", err)
	}
	return found, nil
}

// ScanFunc enumerates matching devices
type ScanFunc func() ([]Device, error)

// Prober caches the last scan result for health reporting
type Prober struct {
	scan   ScanFunc
	logger *slog.Logger

	mu        sync.Mutex
	devices   []Device
	lastErr   error
	lastCheck time.Time
	scans     uint64
}

// NewProber creates a prober. A nil scan uses Scan.
func NewProber(scan ScanFunc, logger *slog.Logger) *Prober {
	if scan == nil {
		scan = Scan
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{scan: scan, logger: logger}
}

// Probe rescans the bus and returns the matching devices
func (p *Prober) Probe() ([]Device, error) {
	devices, err := p.scan()

	p.mu.Lock()
	prev := len(p.devices)
	p.devices = devices
	p.lastErr = err
	p.lastCheck = time.Now()
	p.scans++
	p.mu.Unlock()

	if err != nil {
		p.logger.Debug("usb scan failed", "error", err)
	} else if len(devices) != prev {
		p.logger.Info("usb devices changed", "count", len(devices))
	}
	return devices, err
}

// Status summarizes the last scan as a health check result
func (p *Prober) Status() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.lastErr != nil:
		return false, p.lastErr.Error()
	case len(p.devices) == 0:
		return false, "no board attached"
	default:
		return true, p.devices[0].String()
	}
}

// Stats returns prober statistics
type Stats struct {
	Devices   []Device  `json:"devices"`
	Scans     uint64    `json:"scans"`
	LastCheck time.Time `json:"last_check"`
}

// GetStats returns prober statistics
func (p *Prober) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Devices:   append([]Device(nil), p.devices...),
		Scans:     p.scans,
		LastCheck: p.lastCheck,
	}
}
