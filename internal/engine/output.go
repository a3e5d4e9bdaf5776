package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"

	"github.com/teslashibe/go-eqlink/internal/generator"
)

// Output mixes streamers to an audio device. Lock/Unlock guard changes to
// streamers that are already playing.
type Output interface {
	Play(s beep.Streamer)
	Lock()
	Unlock()
	SampleRate() beep.SampleRate
	Close() error
}

// Speaker plays through the system audio device
type Speaker struct {
	sr   beep.SampleRate
	once sync.Once
}

// NewSpeaker initializes the audio device with a 100ms buffer
func NewSpeaker(sr beep.SampleRate) (*Speaker, error) {
	if err := speaker.Init(sr, sr.N(time.Second/10)); err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	return &Speaker{sr: sr}, nil
}

func (s *Speaker) Play(st beep.Streamer)        { speaker.Play(st) }
func (s *Speaker) Lock()                        { speaker.Lock() }
func (s *Speaker) Unlock()                      { speaker.Unlock() }
func (s *Speaker) SampleRate() beep.SampleRate { return s.sr }

// Close releases the audio device
func (s *Speaker) Close() error {
	s.once.Do(speaker.Close)
	return nil
}

// NullOutput consumes streams in real time without a device
type NullOutput struct {
	sr    beep.SampleRate
	mu    sync.Mutex
	mixer beep.Mixer

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewNullOutput starts pulling audio every 10ms
func NewNullOutput(sr beep.SampleRate) *NullOutput {
	n := &NullOutput{
		sr:   sr,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *NullOutput) run() {
	defer close(n.done)

	const period = 10 * time.Millisecond
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	buf := make([][2]float64, n.sr.N(period))
	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			n.mu.Lock()
			n.mixer.Stream(buf)
			n.mu.Unlock()
		}
	}
}

func (n *NullOutput) Play(s beep.Streamer) {
	n.mu.Lock()
	n.mixer.Add(s)
	n.mu.Unlock()
}

func (n *NullOutput) Lock()                        { n.mu.Lock() }
func (n *NullOutput) Unlock()                      { n.mu.Unlock() }
func (n *NullOutput) SampleRate() beep.SampleRate { return n.sr }

// Close stops the pull loop
func (n *NullOutput) Close() error {
	n.once.Do(func() {
		close(n.stop)
		<-n.done
	})
	return nil
}

// SpeakerSink feeds generator buffers into an Output through a bounded
// queue. Write blocks while the queue is full, which paces the generator
// to the device clock. The audio thread never blocks; it plays silence
// when the queue runs dry.
type SpeakerSink struct {
	queue  chan []int16
	closed chan struct{}
	once   sync.Once

	// audio thread only
	cur []int16
	pos int
}

// NewSpeakerSink starts playing a sink at sampleRate on out
func NewSpeakerSink(out Output, sampleRate int) *SpeakerSink {
	s := &SpeakerSink{
		queue:  make(chan []int16, 4),
		closed: make(chan struct{}),
	}

	var st beep.Streamer = s
	if from := beep.SampleRate(sampleRate); from != out.SampleRate() {
		st = beep.Resample(4, from, out.SampleRate(), st)
	}
	out.Play(st)

	return s
}

// Write queues a copy of samples
func (s *SpeakerSink) Write(samples []int16) error {
	buf := make([]int16, len(samples))
	copy(buf, samples)

	select {
	case <-s.closed:
		return generator.ErrSinkClosed
	default:
	}

	select {
	case s.queue <- buf:
		return nil
	case <-s.closed:
		return generator.ErrSinkClosed
	}
}

// Close stops the stream; the output drops it on its next pull
func (s *SpeakerSink) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *SpeakerSink) Stream(samples [][2]float64) (int, bool) {
	select {
	case <-s.closed:
		return 0, false
	default:
	}

	for i := range samples {
		if s.pos >= len(s.cur) {
			select {
			case s.cur = <-s.queue:
				s.pos = 0
			default:
				s.cur, s.pos = nil, 0
			}
		}

		var v float64
		if s.pos < len(s.cur) {
			v = float64(s.cur[s.pos]) / 32768
			s.pos++
		}
		samples[i][0] = v
		samples[i][1] = v
	}
	return len(samples), true
}

func (s *SpeakerSink) Err() error { return nil }

// SpeakerSinkFactory opens speaker sinks on out for the generator
func SpeakerSinkFactory(out Output) generator.SinkFactory {
	return func(sampleRate int) (generator.Sink, error) {
		return NewSpeakerSink(out, sampleRate), nil
	}
}
