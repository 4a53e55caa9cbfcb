package playback

import (
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3/pkg/media"
)

// SampleWriter is the destination track for encoded frames.
// *webrtc.TrackLocalStaticSample satisfies it.
type SampleWriter interface {
	WriteSample(media.Sample) error
}

// OpusSink encodes incoming 48kHz PCM mono to Opus frames and writes them
// paced to a local track.
type OpusSink struct {
	enc          *opus.Encoder
	track        SampleWriter
	pcmBuf       []int16
	frameSamples int
	frames       chan []byte
	stopCh       chan struct{}
	stopped      bool
	mu           sync.Mutex
}

// NewOpusSink constructs a paced sink with 20ms frames at 48kHz mono.
func NewOpusSink(track SampleWriter) (*OpusSink, error) {
	enc, err := opus.NewEncoder(48000, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	s := &OpusSink{
		enc:          enc,
		track:        track,
		frameSamples: 960, // 20ms at 48kHz
		frames:       make(chan []byte, 512),
		stopCh:       make(chan struct{}),
	}
	go s.pacer()
	return s, nil
}

// WritePCM buffers PCM 48kHz mono data and emits encoded Opus frames paced to
// the track. Blocks when the frame queue is full, which keeps delivery close
// to real time for long payloads.
func (s *OpusSink) WritePCM(pcmBytes []byte) error {
	if len(pcmBytes) < 2 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	need := len(pcmBytes) / 2
	startLen := len(s.pcmBuf)
	if cap(s.pcmBuf)-startLen < need {
		tmp := make([]int16, startLen, startLen+need+2048)
		copy(tmp, s.pcmBuf)
		s.pcmBuf = tmp
	}
	s.pcmBuf = s.pcmBuf[:startLen+need]
	for i := 0; i < need; i++ {
		s.pcmBuf[startLen+i] = int16(uint16(pcmBytes[2*i]) | uint16(pcmBytes[2*i+1])<<8)
	}

	opusBuf := make([]byte, 4000)
	for len(s.pcmBuf) >= s.frameSamples {
		frame := s.pcmBuf[:s.frameSamples]
		n, err := s.enc.Encode(frame, opusBuf)
		if err != nil {
			return err
		}
		if n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			s.pushFrame(pkt)
		}
		copy(s.pcmBuf, s.pcmBuf[s.frameSamples:])
		s.pcmBuf = s.pcmBuf[:len(s.pcmBuf)-s.frameSamples]
	}
	return nil
}

// FlushTail pads the remaining PCM to a full frame and adds a short silence
// tail to avoid clipping the last word.
func (s *OpusSink) FlushTail() {
	opusBuf := make([]byte, 4000)
	s.mu.Lock()
	if len(s.pcmBuf) > 0 {
		pad := make([]int16, s.frameSamples)
		copy(pad, s.pcmBuf)
		if n, err := s.enc.Encode(pad, opusBuf); err == nil && n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			s.pushFrame(pkt)
		}
		s.pcmBuf = s.pcmBuf[:0]
	}
	s.mu.Unlock()
	// ~200ms of silence (10 frames)
	silence := make([]int16, s.frameSamples)
	for i := 0; i < 10; i++ {
		if n, err := s.enc.Encode(silence, opusBuf); err == nil && n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			s.pushFrame(pkt)
		}
	}
}

// Reset clears buffered PCM and queued frames so a cut-off is immediate.
func (s *OpusSink) Reset() {
	s.mu.Lock()
	for {
		select {
		case <-s.frames:
		default:
			s.pcmBuf = s.pcmBuf[:0]
			s.mu.Unlock()
			return
		}
	}
}

// Close stops the pacer.
func (s *OpusSink) Close() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
	s.mu.Unlock()
}

func (s *OpusSink) pacer() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-s.frames:
				_ = s.track.WriteSample(media.Sample{Data: frame, Duration: 20 * time.Millisecond})
			default:
			}
		}
	}
}

// pushFrame enqueues a frame, blocking until space is available or stopped.
func (s *OpusSink) pushFrame(pkt []byte) {
	for {
		select {
		case <-s.stopCh:
			return
		case s.frames <- pkt:
			return
		}
	}
}
