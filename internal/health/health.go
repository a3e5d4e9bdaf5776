// Package health provides health check functionality
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status represents overall system health
type Status struct {
	Status        string           `json:"status"` // ok, degraded
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Components    map[string]Check `json:"components"`
}

// Check represents a component health check
type Check struct {
	Healthy       bool      `json:"healthy"`
	Informational bool      `json:"informational,omitempty"` // never degrades overall status
	Message       string    `json:"message,omitempty"`
	LastCheck     time.Time `json:"last_check"`
}

// ProbeFunc reports a component's health
type ProbeFunc func(ctx context.Context) (healthy bool, message string)

type probe struct {
	name          string
	informational bool
	fn            ProbeFunc
}

// Checker tracks health of system components
type Checker struct {
	mu         sync.RWMutex
	version    string
	startTime  time.Time
	components map[string]Check
	probes     []probe
	logger     *slog.Logger
}

// NewChecker creates a new health checker
func NewChecker(version string) *Checker {
	return &Checker{
		version:    version,
		startTime:  time.Now(),
		components: make(map[string]Check),
		logger:     slog.Default(),
	}
}

// SetLogger replaces the logger used to report component transitions
func (c *Checker) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

// SetComponent updates a component's health status
func (c *Checker) SetComponent(name string, healthy bool, message string) {
	c.set(name, Check{Healthy: healthy, Message: message})
}

// SetInfo updates a component that is reported but never degrades the overall status
func (c *Checker) SetInfo(name string, healthy bool, message string) {
	c.set(name, Check{Healthy: healthy, Informational: true, Message: message})
}

func (c *Checker) set(name string, check Check) {
	check.LastCheck = time.Now()

	c.mu.Lock()
	prev, seen := c.components[name]
	c.components[name] = check
	logger := c.logger
	c.mu.Unlock()

	if seen && prev.Healthy != check.Healthy {
		logger.Info("component health changed",
			"component", name,
			"healthy", check.Healthy,
			"message", check.Message,
		)
	}
}

// Register adds a probe evaluated by Refresh and Run
func (c *Checker) Register(name string, informational bool, fn ProbeFunc) {
	c.mu.Lock()
	c.probes = append(c.probes, probe{name: name, informational: informational, fn: fn})
	c.mu.Unlock()
}

// Refresh evaluates every registered probe once
func (c *Checker) Refresh(ctx context.Context) {
	c.mu.RLock()
	probes := append([]probe(nil), c.probes...)
	c.mu.RUnlock()

	for _, p := range probes {
		healthy, msg := p.fn(ctx)
		if p.informational {
			c.SetInfo(p.name, healthy, msg)
		} else {
			c.SetComponent(p.name, healthy, msg)
		}
	}
}

// Run refreshes probes immediately and then on every tick until ctx is cancelled
func (c *Checker) Run(ctx context.Context, interval time.Duration) error {
	c.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}

// GetStatus returns the overall health status
func (c *Checker) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := "ok"
	components := make(map[string]Check, len(c.components))
	for k, v := range c.components {
		components[k] = v
		if !v.Healthy && !v.Informational {
			status = "degraded"
		}
	}

	return Status{
		Status:        status,
		Version:       c.version,
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Components:    components,
	}
}

// IsHealthy returns true if all required components are healthy
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, check := range c.components {
		if !check.Healthy && !check.Informational {
			return false
		}
	}
	return true
}
