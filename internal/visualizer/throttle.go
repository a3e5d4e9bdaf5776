package visualizer

import "time"

// Throttle rate-limits a frame stream to one frame per interval.
// Frames arriving inside the interval are held; only the newest is kept
// and it is released through C once the interval ends. Neutral frames
// are never held.
//
// A Throttle is owned by one goroutine.
type Throttle struct {
	interval time.Duration
	last     time.Time
	pending  *Frame
	timer    *time.Timer
}

// NewThrottle creates a throttle; a non-positive interval passes every frame
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval}
}

// Offer returns the frame to send now. When it returns false the frame is
// held and replaces any frame held before it.
func (t *Throttle) Offer(f Frame) (Frame, bool) {
	if f.Neutral || t.interval <= 0 || time.Since(t.last) >= t.interval {
		t.release()
		return f, true
	}

	t.pending = &f
	if t.timer == nil {
		t.timer = time.NewTimer(t.interval - time.Since(t.last))
	}
	return Frame{}, false
}

// Pending reports whether a frame is held
func (t *Throttle) Pending() bool {
	return t.pending != nil
}

// C fires when the held frame is due. It is nil while nothing is held,
// so selecting on it blocks forever.
func (t *Throttle) C() <-chan time.Time {
	if t.timer == nil {
		return nil
	}
	return t.timer.C
}

// Flush returns the held frame. Call it after C fired.
func (t *Throttle) Flush() (Frame, bool) {
	t.timer = nil
	if t.pending == nil {
		return Frame{}, false
	}
	f := *t.pending
	t.pending = nil
	t.last = time.Now()
	return f, true
}

// Stop drops the held frame
func (t *Throttle) Stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.pending = nil
}

func (t *Throttle) release() {
	t.Stop()
	t.last = time.Now()
}
