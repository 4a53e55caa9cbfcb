package session

import (
	"context"
	"errors"

	"github.com/MuruganandamVG/interview-room/internal/exchange"
)

// Phase is the interview lifecycle state. It gates which user actions are
// currently valid.
type Phase int

const (
	NotStarted Phase = iota
	AwaitingOpeningQuestion
	WaitingForCandidate
	Recording
	Submitting
	PlayingAgentAudio
)

func (p Phase) String() string {
	switch p {
	case NotStarted:
		return "not_started"
	case AwaitingOpeningQuestion:
		return "awaiting_opening_question"
	case WaitingForCandidate:
		return "waiting_for_candidate"
	case Recording:
		return "recording"
	case Submitting:
		return "submitting"
	case PlayingAgentAudio:
		return "playing_agent_audio"
	default:
		return "unknown"
	}
}

// Speaker is who currently holds the conversational floor.
type Speaker int

const (
	Idle Speaker = iota
	CandidateSpeaking
	AgentSpeaking
)

func (s Speaker) String() string {
	switch s {
	case CandidateSpeaking:
		return "candidate"
	case AgentSpeaking:
		return "agent"
	default:
		return "idle"
	}
}

// ErrInvalidPhase is returned when an operation is attempted in a phase that
// does not permit it. This is also how a second concurrent submission is
// rejected rather than raced.
var ErrInvalidPhase = errors.New("session: operation not valid in current phase")

// ErrExchangeInFlight guards the single in-flight remote exchange invariant
// against programmatic misuse.
var ErrExchangeInFlight = errors.New("session: a remote exchange is already in flight")

// Capturer is the speech capture adapter: idempotent start, stop that keeps
// already-finalized segments readable until the finals channel closes.
type Capturer interface {
	Start(ctx context.Context) (interim <-chan string, finals <-chan string, err error)
	Stop()
}

// Exchanger performs the two remote interview operations.
type Exchanger interface {
	OpeningQuestion(ctx context.Context, candidateCtx, candidateID string) (*exchange.Result, error)
	SubmitAnswer(ctx context.Context, answer, candidateID string) (*exchange.Result, error)
}

// Playback is one settled-once audio playback.
type Playback interface {
	Done() <-chan struct{}
	Err() error
	Stop()
}

// AudioPlayer starts serialized audio playback.
type AudioPlayer interface {
	Play(ctx context.Context, payload []byte) Playback
}

// PlayerFunc adapts a function to AudioPlayer.
type PlayerFunc func(ctx context.Context, payload []byte) Playback

func (f PlayerFunc) Play(ctx context.Context, payload []byte) Playback { return f(ctx, payload) }

// Turn is one entry in the interview log, mirroring what each party
// contributed.
type Turn struct {
	Role string `json:"role"` // "CANDIDATE" or "AGENT"
	Text string `json:"text"`
}

// agentTurnText stands in for agent turns: the service returns audio only, no
// transcript.
const agentTurnText = "(audio played)"

// Observers receive controller events. All fields are optional. Callbacks run
// on controller goroutines and must not block for long.
type Observers struct {
	OnPhase   func(Phase)
	OnSpeaker func(Speaker)
	OnInterim func(string)
	OnTurn    func(Turn)
}

// State is a read-only snapshot for presentation.
type State struct {
	Phase            Phase
	Speaker          Speaker
	CandidateID      string
	Interim          string
	Turns            []Turn
	CaptureSupported bool
}
