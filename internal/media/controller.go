package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrDeviceUnavailable means camera/microphone acquisition was denied or
// failed. The session stays usable; callers render placeholders instead.
var ErrDeviceUnavailable = errors.New("media: device unavailable")

// Track is one local media track. Enabled only gates whether its data is
// transmitted/rendered; the underlying device keeps running.
type Track struct {
	Kind string // "audio" or "video"

	mu      sync.Mutex
	enabled bool
}

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) setEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

// Stream is an acquired local media stream with one audio and one video track.
type Stream struct {
	Audio *Track
	Video *Track
}

func NewStream() *Stream {
	return &Stream{
		Audio: &Track{Kind: "audio", enabled: true},
		Video: &Track{Kind: "video", enabled: true},
	}
}

// Provider acquires the local media stream.
type Provider interface {
	Acquire(ctx context.Context) (*Stream, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context) (*Stream, error)

func (f ProviderFunc) Acquire(ctx context.Context) (*Stream, error) { return f(ctx) }

// LocalDevices is the default provider: the capability grant for the local
// camera and microphone.
func LocalDevices() Provider {
	return ProviderFunc(func(context.Context) (*Stream, error) {
		return NewStream(), nil
	})
}

// Renderer is a render target the stream can be bound to.
type Renderer interface {
	Bind(*Stream)
	Unbind()
}

// Controller owns local track enablement and stream attachment. Toggles are
// valid in every session phase and before acquisition: the desired state is
// tracked and applied once a stream arrives.
type Controller struct {
	provider Provider
	log      logrus.FieldLogger

	mu          sync.Mutex
	stream      *Stream
	view        Renderer
	micOn       bool
	camOn       bool
	unavailable bool // acquisition failure, cached so we surface it once
}

func NewController(provider Provider, log logrus.FieldLogger) *Controller {
	return &Controller{provider: provider, log: log, micOn: true, camOn: true}
}

// Acquire obtains the local stream and applies any toggles made before it was
// available. Failure is recoverable: the controller keeps tracking desired
// state and reports ErrDeviceUnavailable.
func (c *Controller) Acquire(ctx context.Context) error {
	stream, err := c.provider.Acquire(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if !c.unavailable {
			c.log.WithError(err).Warn("could not access camera/microphone")
		}
		c.unavailable = true
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	c.stream = stream
	c.unavailable = false
	stream.Audio.setEnabled(c.micOn)
	stream.Video.setEnabled(c.camOn)
	if c.view != nil {
		c.view.Bind(stream)
	}
	return nil
}

// ToggleMicrophone flips the audio track enabled flag in place and returns
// the new state. No-op on the device when no stream is acquired yet.
func (c *Controller) ToggleMicrophone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.micOn = !c.micOn
	if c.stream != nil {
		c.stream.Audio.setEnabled(c.micOn)
	}
	return c.micOn
}

// ToggleCamera flips the video track enabled flag. Re-enabling forces a view
// refresh (unbind then bind) because render targets cache the stream and stop
// drawing frames after a disable cycle.
func (c *Controller) ToggleCamera() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.camOn = !c.camOn
	if c.stream != nil {
		c.stream.Video.setEnabled(c.camOn)
		if c.camOn && c.view != nil {
			c.view.Unbind()
			c.view.Bind(c.stream)
		}
	}
	return c.camOn
}

// Attach binds the current stream (if any) to the render target.
func (c *Controller) Attach(view Renderer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.view = view
	if c.stream != nil {
		view.Bind(c.stream)
	}
}

// MicrophoneOn reports the desired/actual audio enablement.
func (c *Controller) MicrophoneOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.micOn
}

// CameraOn reports the desired/actual video enablement.
func (c *Controller) CameraOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.camOn
}

// Available reports whether a stream was successfully acquired.
func (c *Controller) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}
