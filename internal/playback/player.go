package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrStopped marks a playback that was cancelled before completion, as opposed
// to one that failed.
var ErrStopped = errors.New("playback: stopped")

// Sink consumes 48kHz mono s16le PCM and performs delivery. Implementations
// buffer internally and pace output; WritePCM may block for backpressure.
type Sink interface {
	WritePCM(pcm []byte) error
	FlushTail()
	// Reset drops queued audio immediately (used when playback is cut off).
	Reset()
}

// Handle is one in-flight or settled playback. It settles exactly once:
// Done() closes and Err() is nil on completion, ErrStopped on cancellation,
// anything else is a playback failure.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Stop cancels the playback. Safe to call at any time, including after it
// settled.
func (h *Handle) Stop() { h.cancel() }

func (h *Handle) finish(err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

// frameBytes is 20ms of 48kHz mono s16le PCM.
const frameBytes = 1920

// Player serializes audio playback: at most one handle is active, and starting
// a new payload stops the unfinished prior one before any new audio is written.
type Player struct {
	sink Sink
	log  logrus.FieldLogger

	mu     sync.Mutex
	active *Handle
}

func NewPlayer(sink Sink, log logrus.FieldLogger) *Player {
	return &Player{sink: sink, log: log}
}

// Play starts playing payload and returns its handle. An unfinished prior
// playback is stopped and awaited first so audible output never overlaps.
func (p *Player) Play(ctx context.Context, payload []byte) *Handle {
	p.mu.Lock()
	prev := p.active
	p.mu.Unlock()
	if prev != nil {
		prev.Stop()
		<-prev.Done()
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	p.mu.Lock()
	p.active = h
	p.mu.Unlock()
	go p.run(ctx, h, payload)
	return h
}

// Active reports whether a playback is currently in flight.
func (p *Player) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active != nil
}

func (p *Player) run(ctx context.Context, h *Handle, payload []byte) {
	defer func() {
		p.mu.Lock()
		if p.active == h {
			p.active = nil
		}
		p.mu.Unlock()
	}()

	for off := 0; off < len(payload); off += frameBytes {
		select {
		case <-ctx.Done():
			p.sink.Reset()
			h.finish(ErrStopped)
			return
		default:
		}
		end := off + frameBytes
		if end > len(payload) {
			end = len(payload)
		}
		if err := p.sink.WritePCM(payload[off:end]); err != nil {
			p.sink.Reset()
			p.log.WithError(err).Warn("audio playback failed")
			h.finish(fmt.Errorf("playback: %w", err))
			return
		}
	}
	p.sink.FlushTail()
	h.finish(nil)
}
