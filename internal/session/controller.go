package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/MuruganandamVG/interview-room/internal/capture"
	"github.com/MuruganandamVG/interview-room/internal/playback"
	"github.com/MuruganandamVG/interview-room/internal/transcript"
)

// Controller orchestrates one interview session: it drives the capture
// adapter, accumulates the candidate transcript, exchanges turns with the
// remote service and tracks who holds the floor. All phase transitions happen
// here and nowhere else.
type Controller struct {
	capture  Capturer
	exchange Exchanger
	player   AudioPlayer
	acc      *transcript.Accumulator
	log      logrus.FieldLogger
	obs      Observers

	candidateCtx string
	defaultID    string

	mu          sync.Mutex
	phase       Phase
	speaker     Speaker
	candidateID string
	inflight    bool
	captureErr  error // permanent capability failure, surfaced once and cached
	turnSeq     uint64
	drainDone   chan struct{}
	turns       []Turn
}

func New(cap Capturer, exch Exchanger, player AudioPlayer, candidateCtx, defaultCandidateID string, obs Observers, log logrus.FieldLogger) *Controller {
	return &Controller{
		capture:      cap,
		exchange:     exch,
		player:       player,
		acc:          transcript.NewAccumulator(),
		log:          log,
		obs:          obs,
		candidateCtx: candidateCtx,
		defaultID:    defaultCandidateID,
	}
}

func invalidPhase(op string, p Phase) error {
	return fmt.Errorf("%w: %s during %s", ErrInvalidPhase, op, p)
}

// StartInterview requests the opening question and starts agent audio on
// success. Valid only once, in NotStarted; a failed start returns the machine
// to NotStarted so the user can try again.
func (c *Controller) StartInterview(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != NotStarted {
		p := c.phase
		c.mu.Unlock()
		return invalidPhase("start interview", p)
	}
	if c.inflight {
		c.mu.Unlock()
		return ErrExchangeInFlight
	}
	c.phase = AwaitingOpeningQuestion
	c.inflight = true
	c.mu.Unlock()
	c.notifyPhase(AwaitingOpeningQuestion)

	go c.openInterview(ctx)
	return nil
}

func (c *Controller) openInterview(ctx context.Context) {
	res, err := c.exchange.OpeningQuestion(ctx, c.candidateCtx, c.currentCandidateID())

	c.mu.Lock()
	c.inflight = false
	if err != nil {
		c.phase = NotStarted
		c.speaker = Idle
		c.mu.Unlock()
		c.log.WithError(err).Warn("opening question failed, interview not started")
		c.notifyPhase(NotStarted)
		c.notifySpeaker(Idle)
		return
	}
	if res.CandidateID != "" {
		c.candidateID = res.CandidateID
	}
	c.speaker = AgentSpeaking
	c.phase = PlayingAgentAudio
	turn := Turn{Role: "AGENT", Text: agentTurnText}
	c.turns = append(c.turns, turn)
	c.mu.Unlock()
	c.log.WithField("candidate_id", res.CandidateID).Info("interview started")
	c.notifySpeaker(AgentSpeaking)
	c.notifyPhase(PlayingAgentAudio)
	c.notifyTurn(turn)

	c.playAgentAudio(ctx, res.Audio)
}

// BeginCandidateTurn resets the transcript and starts capture. Valid only in
// WaitingForCandidate. An unsupported capture capability is cached: recording
// stays disabled for the rest of the session instead of re-failing.
func (c *Controller) BeginCandidateTurn(ctx context.Context) error {
	c.mu.Lock()
	if c.captureErr != nil {
		err := c.captureErr
		c.mu.Unlock()
		return err
	}
	if c.phase != WaitingForCandidate {
		p := c.phase
		c.mu.Unlock()
		return invalidPhase("begin candidate turn", p)
	}
	if c.inflight {
		c.mu.Unlock()
		return ErrExchangeInFlight
	}
	// cleared exactly here, before capture starts, never mid-turn
	c.acc.Reset()
	c.speaker = CandidateSpeaking
	c.phase = Recording
	c.turnSeq++
	seq := c.turnSeq
	c.mu.Unlock()
	c.notifySpeaker(CandidateSpeaking)
	c.notifyPhase(Recording)

	interim, finals, err := c.capture.Start(ctx)
	if err != nil {
		c.mu.Lock()
		if errors.Is(err, capture.ErrUnsupported) {
			c.captureErr = err
		}
		if c.phase != Recording || c.turnSeq != seq {
			// the turn already ended while capture was starting; leave the
			// machine where EndCandidateTurn put it
			c.mu.Unlock()
			c.log.WithError(err).Warn("speech capture unavailable")
			return err
		}
		c.speaker = Idle
		c.phase = WaitingForCandidate
		c.mu.Unlock()
		c.log.WithError(err).Warn("speech capture unavailable")
		c.notifySpeaker(Idle)
		c.notifyPhase(WaitingForCandidate)
		return err
	}

	c.mu.Lock()
	if c.phase != Recording || c.turnSeq != seq {
		// the turn already ended: this capture belongs to nobody, drain it
		// without touching the accumulator
		idle := c.phase != Recording
		c.mu.Unlock()
		if idle {
			c.capture.Stop()
		}
		go discardCapture(interim, finals)
		return nil
	}
	done := make(chan struct{})
	c.drainDone = done
	c.mu.Unlock()
	go c.drainCapture(interim, finals, done)
	return nil
}

// discardCapture consumes events from a capture that outlived its turn so the
// adapter's pump can exit.
func discardCapture(interim, finals <-chan string) {
	for interim != nil || finals != nil {
		select {
		case _, ok := <-interim:
			if !ok {
				interim = nil
			}
		case _, ok := <-finals:
			if !ok {
				finals = nil
			}
		}
	}
}

// drainCapture feeds capture events into the accumulator until both event
// channels close. Interim text replaces, finals append in capture order.
func (c *Controller) drainCapture(interim, finals <-chan string, done chan struct{}) {
	defer close(done)
	for interim != nil || finals != nil {
		select {
		case text, ok := <-interim:
			if !ok {
				interim = nil
				continue
			}
			c.acc.SetInterim(text)
			c.notifyInterim(text)
		case seg, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			c.acc.Append(seg)
		}
	}
}

// EndCandidateTurn stops capture and submits the joined transcript, which may
// be empty: silence is a valid answer. Valid only in Recording, which also
// rejects a second submission while one is in flight.
func (c *Controller) EndCandidateTurn(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != Recording {
		p := c.phase
		c.mu.Unlock()
		return invalidPhase("end candidate turn", p)
	}
	if c.inflight {
		c.mu.Unlock()
		return ErrExchangeInFlight
	}
	c.phase = Submitting
	c.speaker = Idle
	c.inflight = true
	done := c.drainDone
	c.drainDone = nil
	c.mu.Unlock()
	c.notifySpeaker(Idle)
	c.notifyPhase(Submitting)

	c.capture.Stop()
	if done != nil {
		// wait for the drain to finish so no segment finalized before Stop
		// is lost
		<-done
	}

	answer := c.acc.Joined()
	c.acc.Reset() // consumed; a failed submission requires re-recording
	turn := Turn{Role: "CANDIDATE", Text: answer}
	c.mu.Lock()
	c.turns = append(c.turns, turn)
	c.mu.Unlock()
	c.notifyTurn(turn)

	go c.submit(ctx, answer)
	return nil
}

func (c *Controller) submit(ctx context.Context, answer string) {
	res, err := c.exchange.SubmitAnswer(ctx, answer, c.currentCandidateID())

	c.mu.Lock()
	c.inflight = false
	if err != nil {
		c.speaker = Idle
		c.phase = WaitingForCandidate
		c.mu.Unlock()
		c.log.WithError(err).Warn("answer submission failed, transcript discarded")
		c.notifySpeaker(Idle)
		c.notifyPhase(WaitingForCandidate)
		return
	}
	if res.CandidateID != "" {
		// the service revised the identity, last write wins
		c.candidateID = res.CandidateID
	}
	c.speaker = AgentSpeaking
	c.phase = PlayingAgentAudio
	turn := Turn{Role: "AGENT", Text: agentTurnText}
	c.turns = append(c.turns, turn)
	c.mu.Unlock()
	c.notifySpeaker(AgentSpeaking)
	c.notifyPhase(PlayingAgentAudio)
	c.notifyTurn(turn)

	c.playAgentAudio(ctx, res.Audio)
}

func (c *Controller) playAgentAudio(ctx context.Context, audio []byte) {
	h := c.player.Play(ctx, audio)
	go func() {
		<-h.Done()
		c.handlePlaybackDone(h.Err())
	}()
}

// handlePlaybackDone moves PlayingAgentAudio to WaitingForCandidate once the
// agent audio settles. The candidate may only start answering after the agent
// finished (or failed) speaking. A PlaybackFailure is not retried: the
// machine still becomes retryable via the next candidate turn.
func (c *Controller) handlePlaybackDone(err error) {
	c.mu.Lock()
	if c.phase != PlayingAgentAudio {
		c.mu.Unlock()
		return
	}
	c.speaker = Idle
	c.phase = WaitingForCandidate
	c.mu.Unlock()
	if err != nil && !errors.Is(err, playback.ErrStopped) {
		c.log.WithError(err).Warn("agent audio playback failed, interview continues")
	}
	c.notifySpeaker(Idle)
	c.notifyPhase(WaitingForCandidate)
}

func (c *Controller) currentCandidateID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.candidateID != "" {
		return c.candidateID
	}
	return c.defaultID
}

// Snapshot returns the current session state for presentation.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	turns := make([]Turn, len(c.turns))
	copy(turns, c.turns)
	return State{
		Phase:            c.phase,
		Speaker:          c.speaker,
		CandidateID:      c.candidateID,
		Interim:          c.acc.Interim(),
		Turns:            turns,
		CaptureSupported: c.captureErr == nil,
	}
}

func (c *Controller) notifyPhase(p Phase) {
	if c.obs.OnPhase != nil {
		c.obs.OnPhase(p)
	}
}

func (c *Controller) notifySpeaker(s Speaker) {
	if c.obs.OnSpeaker != nil {
		c.obs.OnSpeaker(s)
	}
}

func (c *Controller) notifyInterim(text string) {
	if c.obs.OnInterim != nil {
		c.obs.OnInterim(text)
	}
}

func (c *Controller) notifyTurn(t Turn) {
	if c.obs.OnTurn != nil {
		c.obs.OnTurn(t)
	}
}
