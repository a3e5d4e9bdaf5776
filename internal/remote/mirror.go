package remote

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-eqlink/internal/protocol"
)

// Sender delivers a single command to the device
type Sender interface {
	Send(ctx context.Context, cmd protocol.Command) (string, error)
	CheckConnection(ctx context.Context) bool
}

// job is one unit of queued work: a single command or an ordered batch
type job struct {
	cmds  []protocol.Command
	batch bool
}

// Mirror forwards state changes to the device in the background.
//
// Jobs go through a bounded queue drained by a fixed set of workers. When the
// queue is full new jobs are dropped. There is no ordering between jobs: a batch
// and a single command may interleave at the device. Commands inside a batch are
// sent in order with BatchSpacing between them. Failures are logged and counted,
// never retried.
type Mirror struct {
	sender Sender
	cfg    Config
	logger *slog.Logger

	jobs   chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once

	// Stats
	queued  atomic.Uint64
	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
	batches atomic.Uint64
}

// NewMirror creates a mirror and starts its workers
func NewMirror(sender Sender, cfg Config, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Mirror{
		sender: sender,
		cfg:    cfg,
		logger: logger,
		jobs:   make(chan job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}

	return m
}

// Enqueue schedules a single command. It never blocks; false means dropped.
func (m *Mirror) Enqueue(cmd protocol.Command) bool {
	return m.enqueue(job{cmds: []protocol.Command{cmd}})
}

// EnqueueBatch schedules commands to be sent in order with BatchSpacing between them
func (m *Mirror) EnqueueBatch(cmds []protocol.Command) bool {
	if len(cmds) == 0 {
		return true
	}
	batch := make([]protocol.Command, len(cmds))
	copy(batch, cmds)
	return m.enqueue(job{cmds: batch, batch: true})
}

func (m *Mirror) enqueue(j job) bool {
	if m.closed.Load() {
		m.dropped.Add(uint64(len(j.cmds)))
		return false
	}

	select {
	case m.jobs <- j:
		m.queued.Add(1)
		return true
	default:
		m.dropped.Add(uint64(len(j.cmds)))
		m.logger.Warn("mirror queue full, dropping",
			"commands", len(j.cmds),
			"first", j.cmds[0].String(),
		)
		return false
	}
}

func (m *Mirror) worker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case j := <-m.jobs:
			m.run(j)
		}
	}
}

func (m *Mirror) run(j job) {
	if j.batch {
		m.batches.Add(1)
	}

	for i, cmd := range j.cmds {
		if i > 0 && m.cfg.BatchSpacing > 0 {
			timer := time.NewTimer(m.cfg.BatchSpacing)
			select {
			case <-m.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.Timeout)
		_, err := m.sender.Send(ctx, cmd)
		cancel()

		if err != nil {
			m.failed.Add(1)
			m.logger.Warn("mirror command failed", "command", cmd.String(), "error", err)
			continue
		}
		m.sent.Add(1)
	}
}

// CheckConnection probes the device with the configured timeout
func (m *Mirror) CheckConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	return m.sender.CheckConnection(ctx)
}

// Close stops the workers. Jobs still queued are discarded.
func (m *Mirror) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.cancel()
		m.wg.Wait()
	})
	return nil
}

// Stats contains mirror statistics
type Stats struct {
	Queued  uint64 `json:"queued"`
	Pending int    `json:"pending"`
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Batches uint64 `json:"batches"`
}

// GetStats returns mirror statistics
func (m *Mirror) GetStats() Stats {
	return Stats{
		Queued:  m.queued.Load(),
		Pending: len(m.jobs),
		Sent:    m.sent.Load(),
		Failed:  m.failed.Load(),
		Dropped: m.dropped.Load(),
		Batches: m.batches.Load(),
	}
}
