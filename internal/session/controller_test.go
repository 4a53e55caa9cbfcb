package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MuruganandamVG/interview-room/internal/capture"
	"github.com/MuruganandamVG/interview-room/internal/exchange"
)

type fakeCapture struct {
	mu        sync.Mutex
	starts    int
	interim   chan string
	finals    chan string
	stopped   bool
	startErr  error
	startGate chan struct{} // when set, the next Start blocks until closed
	preload   []string      // finals already buffered when the next Start returns
}

func (f *fakeCapture) Start(ctx context.Context) (<-chan string, <-chan string, error) {
	f.mu.Lock()
	gate := f.startGate
	f.startGate = nil
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return nil, nil, f.startErr
	}
	f.interim = make(chan string, 16)
	f.finals = make(chan string, 16)
	f.stopped = false
	for _, s := range f.preload {
		f.finals <- s
	}
	f.preload = nil
	return f.interim, f.finals, nil
}

func (f *fakeCapture) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped || f.finals == nil {
		return
	}
	f.stopped = true
	close(f.interim)
	close(f.finals)
}

func (f *fakeCapture) emitFinal(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finals <- text
}

func (f *fakeCapture) emitInterim(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interim <- text
}

type submission struct {
	answer      string
	candidateID string
}

type fakeExchange struct {
	mu          sync.Mutex
	openResult  *exchange.Result
	openErr     error
	submitRes   *exchange.Result
	submitErr   error
	opens       int
	submissions []submission

	inflight    int32
	maxInflight int32
	gate        chan struct{} // when set, submits block until closed
}

func (f *fakeExchange) OpeningQuestion(ctx context.Context, candidateCtx, candidateID string) (*exchange.Result, error) {
	f.track()
	defer atomic.AddInt32(&f.inflight, -1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.openResult, nil
}

func (f *fakeExchange) SubmitAnswer(ctx context.Context, answer, candidateID string) (*exchange.Result, error) {
	f.track()
	defer atomic.AddInt32(&f.inflight, -1)
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, submission{answer: answer, candidateID: candidateID})
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return f.submitRes, nil
}

func (f *fakeExchange) track() {
	n := atomic.AddInt32(&f.inflight, 1)
	for {
		max := atomic.LoadInt32(&f.maxInflight)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxInflight, max, n) {
			return
		}
	}
}

type fakeHandle struct {
	done chan struct{}
	err  error
	once sync.Once
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) Err() error            { return h.err }
func (h *fakeHandle) Stop()                 {}
func (h *fakeHandle) settle(err error) {
	h.once.Do(func() { h.err = err; close(h.done) })
}

type fakePlayer struct {
	mu      sync.Mutex
	plays   [][]byte
	handles []*fakeHandle
	manual  bool // when false, every playback completes immediately
	failErr error
}

func (p *fakePlayer) Play(ctx context.Context, payload []byte) Playback {
	h := &fakeHandle{done: make(chan struct{})}
	p.mu.Lock()
	p.plays = append(p.plays, payload)
	p.handles = append(p.handles, h)
	p.mu.Unlock()
	if !p.manual {
		h.settle(p.failErr)
	}
	return h
}

func (p *fakePlayer) last() *fakeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[len(p.handles)-1]
}

func newTestController(cap *fakeCapture, exch *fakeExchange, player *fakePlayer, obs Observers) *Controller {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return New(cap, exch, player, "4 years React", "default-cand", obs, log)
}

func waitPhase(t *testing.T, c *Controller, want Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Snapshot().Phase == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for phase %v, still at %v", want, c.Snapshot().Phase)
}

func TestStartInterview_PinsIdentityAndWaitsForCandidate(t *testing.T) {
	exch := &fakeExchange{openResult: &exchange.Result{Audio: []byte("q1"), CandidateID: "cand-1"}}
	player := &fakePlayer{}
	c := newTestController(&fakeCapture{}, exch, player, Observers{})

	if err := c.StartInterview(context.Background()); err != nil {
		t.Fatalf("start interview: %v", err)
	}
	waitPhase(t, c, WaitingForCandidate)

	st := c.Snapshot()
	if st.CandidateID != "cand-1" {
		t.Fatalf("expected pinned identity cand-1, got %q", st.CandidateID)
	}
	if st.Speaker != Idle {
		t.Fatalf("expected idle speaker after agent finished, got %v", st.Speaker)
	}
	if len(player.plays) != 1 || string(player.plays[0]) != "q1" {
		t.Fatalf("opening audio not played")
	}
}

func TestStartInterview_WaitsForPlaybackBeforeCandidateTurn(t *testing.T) {
	exch := &fakeExchange{openResult: &exchange.Result{Audio: []byte("q1"), CandidateID: "cand-1"}}
	player := &fakePlayer{manual: true}
	c := newTestController(&fakeCapture{}, exch, player, Observers{})

	if err := c.StartInterview(context.Background()); err != nil {
		t.Fatalf("start interview: %v", err)
	}
	waitPhase(t, c, PlayingAgentAudio)
	if got := c.Snapshot().Speaker; got != AgentSpeaking {
		t.Fatalf("agent should hold the floor while audio plays, got %v", got)
	}
	if err := c.BeginCandidateTurn(context.Background()); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("candidate turn must wait for agent audio, got %v", err)
	}

	player.last().settle(nil)
	waitPhase(t, c, WaitingForCandidate)
}

func TestStartInterview_SecondStartRejected(t *testing.T) {
	exch := &fakeExchange{openResult: &exchange.Result{Audio: []byte("q1"), CandidateID: "cand-1"}}
	c := newTestController(&fakeCapture{}, exch, &fakePlayer{}, Observers{})

	if err := c.StartInterview(context.Background()); err != nil {
		t.Fatalf("start interview: %v", err)
	}
	waitPhase(t, c, WaitingForCandidate)
	if err := c.StartInterview(context.Background()); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("expected second start to be rejected, got %v", err)
	}
}

func TestStartInterview_FailureAllowsRetry(t *testing.T) {
	exch := &fakeExchange{openErr: &exchange.ExchangeError{Op: "question", Status: 502}}
	c := newTestController(&fakeCapture{}, exch, &fakePlayer{}, Observers{})

	if err := c.StartInterview(context.Background()); err != nil {
		t.Fatalf("start interview: %v", err)
	}
	waitPhase(t, c, NotStarted)
	if c.Snapshot().CandidateID != "" {
		t.Fatalf("identity must not be pinned on failure")
	}

	exch.mu.Lock()
	exch.openErr = nil
	exch.openResult = &exchange.Result{Audio: []byte("q1"), CandidateID: "cand-1"}
	exch.mu.Unlock()
	if err := c.StartInterview(context.Background()); err != nil {
		t.Fatalf("retry after failed start: %v", err)
	}
	waitPhase(t, c, WaitingForCandidate)
}

func TestFullTurn_SubmitsJoinedTranscriptWithPinnedIdentity(t *testing.T) {
	cap := &fakeCapture{}
	exch := &fakeExchange{
		openResult: &exchange.Result{Audio: []byte("q1"), CandidateID: "cand-1"},
		submitRes:  &exchange.Result{Audio: []byte("q2")},
	}
	player := &fakePlayer{}
	c := newTestController(cap, exch, player, Observers{})

	if err := c.StartInterview(context.Background()); err != nil {
		t.Fatalf("start interview: %v", err)
	}
	waitPhase(t, c, WaitingForCandidate)

	if err := c.BeginCandidateTurn(context.Background()); err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	if got := c.Snapshot().Speaker; got != CandidateSpeaking {
		t.Fatalf("candidate should hold the floor while recording, got %v", got)
	}
	cap.emitFinal("I am")
	cap.emitFinal("ready")
	if err := c.EndCandidateTurn(context.Background()); err != nil {
		t.Fatalf("end turn: %v", err)
	}
	waitPhase(t, c, WaitingForCandidate)

	exch.mu.Lock()
	defer exch.mu.Unlock()
	if len(exch.submissions) != 1 {
		t.Fatalf("expected exactly one submission, got %d", len(exch.submissions))
	}
	got := exch.submissions[0]
	if got.answer != "I am ready" {
		t.Fatalf("joined answer mismatch: %q", got.answer)
	}
	if got.candidateID != "cand-1" {
		t.Fatalf("submission must reuse pinned identity, got %q", got.candidateID)
	}
	if len(player.plays) != 2 || string(player.plays[1]) != "q2" {
		t.Fatalf("next question audio not played")
	}
}

func TestEndCandidateTurn_EmptyAnswerIsSubmitted(t *testing.T) {
	cap := &fakeCapture{}
	exch := &fakeExchange{
		openResult: &exchange.Result{Audio: []byte("q1"), CandidateID: "cand-1"},
		submitRes:  &exchange.Result{Audio: []byte("q2")},
	}
	player := &fakePlayer{}
	c := newTestController(cap, exch, player, Observers{})

	if err := c.StartInterview(context.Background()); err != nil {
		t.Fatalf("start interview: %v", err)
	}
	waitPhase(t, c, WaitingForCandidate)
	if err := c.BeginCandidateTurn(context.Background()); err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	if err := c.EndCandidateTurn(context.Background()); err != nil {
		t.Fatalf("end turn: %v", err)
	}
	waitPhase(t, c, WaitingForCandidate)

	exch.mu.Lock()
	defer exch.mu.Unlock()
	if len(exch.submissions) != 1 || exch.submissions[0].answer != "" {
		t.Fatalf("silence must be submitted as an empty answer, got %+v", exch.submissions)
	}
	if len(player.plays) != 2 {
		t.Fatalf("response to an empty answer must still be played")
	}
}

func TestSubmitFailure_DiscardsTranscriptAndStaysRetryable(t *testing.T) {
	cap := &fakeCapture{}
	exch := &fakeExchange{
		openResult: &exchange.Result{Audio: []byte("q1"), CandidateID: "cand-1"},
		submitErr:  &exchange.ExchangeError{Op: "answer", Status: 500},
	}
	c := newTestController(cap, exch, &fakePlayer{}, Observers{})

	if err := c.StartInterview(context.Background()); err != nil {
		t.Fatalf("start interview: %v", err)
	}
	waitPhase(t, c, WaitingForCandidate)
	if err := c.BeginCandidateTurn(context.Background()); err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	cap.emitFinal("lost answer")
	if err := c.EndCandidateTurn(context.Background()); err != nil {
		t.Fatalf("end turn: %v", err)
	}
	waitPhase(t, c, WaitingForCandidate)

	st := c.Snapshot()
	if st.Speaker != Idle {
		t.Fatalf("speaker must be idle after a failed submission, got %v", st.Speaker)
	}
	if st.CandidateID != "cand-1" {
		t.Fatalf("session identity must survive a failed submission")
	}

	// the failed turn is discarded: re-recording produces a fresh answer,
	// nothing is resubmitted automatically
	exch.mu.Lock()
	exch.submitErr = nil
	exch.submitRes = &exchange.Result{Audio: []byte("q2")}
	exch.mu.Unlock()
	if err := c.BeginCandidateTurn(context.Background()); err != nil {
		t.Fatalf("begin retry turn: %v", err)
	}
	cap.emitFinal("second try")
	if err := c.EndCandidateTurn(context.Background()); err != nil {
		t.Fatalf("end retry turn: %v", err)
	}
	waitPhase(t, c, WaitingForCandidate)

	exch.mu.Lock()
	defer exch.mu.Unlock()
	if len(exch.submissions) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(exch.submissions))
	}
	if exch.submissions[1].answer != "second try" {
		t.Fatalf("retry must carry only re-recorded text, got %q", exch.submissions[1].answer)
	}
}

func TestEndCandidateTurn_SecondSubmissionRejectedWhileInFlight(t *testing.T) {
	cap := &fakeCapture{}
	gate := make(chan struct{})
	exch := &fakeExchange{
		openResult: &exchange.Result{Audio: []byte("q1"), CandidateID: "cand-1"},
		submitRes:  &exchange.Result{Audio: []byte("q2")},
		gate:       gate,
	}
	c := newTestController(cap, exch, &fakePlayer{}, Observers{})

	if err := c.StartInterview(context.Background()); err != nil {
		t.Fatalf("start interview: %v", err)
	}
	waitPhase(t, c, WaitingForCandidate)
	if err := c.BeginCandidateTurn(context.Background()); err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	if err := c.EndCandidateTurn(context.Background()); err != nil {
		t.Fatalf("end turn: %v", err)
	}

	// the first submission is blocked in flight; further turn operations must
	// be rejected, not raced
	if err := c.EndCandidateTurn(context.Background()); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("expected second end to be rejected, got %v", err)
	}
	if err := c.BeginCandidateTurn(context.Background()); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("expected begin during submit to be rejected, got %v", err)
	}

	close(gate)
	waitPhase(t, c, WaitingForCandidate)
	if max := atomic.LoadInt32(&exch.maxInflight); max > 1 {
		t.Fatalf("observed %d concurrent exchange calls", max)
	}
	exch.mu.Lock()
	defer exch.mu.Unlock()
	if len(exch.submissions) != 1 {
		t.Fatalf("expected a single submission, got %d", len(exch.submissions))
	}
}

func TestBeginCandidateTurn_LateStartFailureKeepsSubmissionPhase(t *testing.T) {
	startGate := make(chan struct{})
	cap := &fakeCapture{startGate: startGate, startErr: errors.New("dial timeout")}
	submitGate := make(chan struct{})
	exch := &fakeExchange{
		openResult: &exchange.Result{Audio: []byte("q1"), CandidateID: "cand-1"},
		submitRes:  &exchange.Result{Audio: []byte("q2")},
		gate:       submitGate,
	}
	c := newTestController(cap, exch, &fakePlayer{}, Observers{})

	if err := c.StartInterview(context.Background()); err != nil {
		t.Fatalf("start interview: %v", err)
	}
	waitPhase(t, c, WaitingForCandidate)

	beginErr := make(chan error, 1)
	go func() { beginErr <- c.BeginCandidateTurn(context.Background()) }()
	waitPhase(t, c, Recording)

	// the turn ends while capture is still dialing; the submission goes out
	// and blocks in flight
	if err := c.EndCandidateTurn(context.Background()); err != nil {
		t.Fatalf("end turn: %v", err)
	}
	if got := c.Snapshot().Phase; got != Submitting {
		t.Fatalf("expected submitting, got %v", got)
	}

	close(startGate)
	if err := <-beginErr; err == nil {
		t.Fatalf("expected the late capture start to fail")
	}
	if got := c.Snapshot().Phase; got != Submitting {
		t.Fatalf("a late capture failure must not disturb the submission, got %v", got)
	}
	if err := c.BeginCandidateTurn(context.Background()); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("expected begin during submit to be rejected, got %v", err)
	}

	close(submitGate)
	waitPhase(t, c, WaitingForCandidate)
	if max := atomic.LoadInt32(&exch.maxInflight); max > 1 {
		t.Fatalf("observed %d concurrent exchange calls", max)
	}
	exch.mu.Lock()
	defer exch.mu.Unlock()
	if len(exch.submissions) != 1 {
		t.Fatalf("expected a single submission, got %d", len(exch.submissions))
	}
}

func TestBeginCandidateTurn_LateStartSuccessDoesNotLeakIntoNextTurn(t *testing.T) {
	startGate := make(chan struct{})
	cap := &fakeCapture{startGate: startGate, preload: []string{"stale words"}}
	exch := &fakeExchange{
		openResult: &exchange.Result{Audio: []byte("q1"), CandidateID: "cand-1"},
		submitRes:  &exchange.Result{Audio: []byte("q2")},
	}
	c := newTestController(cap, exch, &fakePlayer{}, Observers{})

	if err := c.StartInterview(context.Background()); err != nil {
		t.Fatalf("start interview: %v", err)
	}
	waitPhase(t, c, WaitingForCandidate)

	beginErr := make(chan error, 1)
	go func() { beginErr <- c.BeginCandidateTurn(context.Background()) }()
	waitPhase(t, c, Recording)
	if err := c.EndCandidateTurn(context.Background()); err != nil {
		t.Fatalf("end turn: %v", err)
	}
	waitPhase(t, c, WaitingForCandidate)

	// capture finishes starting only now; its segments belong to no turn
	close(startGate)
	if err := <-beginErr; err != nil {
		t.Fatalf("late capture start: %v", err)
	}

	if err := c.BeginCandidateTurn(context.Background()); err != nil {
		t.Fatalf("begin second turn: %v", err)
	}
	cap.emitFinal("clean answer")
	if err := c.EndCandidateTurn(context.Background()); err != nil {
		t.Fatalf("end second turn: %v", err)
	}
	waitPhase(t, c, WaitingForCandidate)

	exch.mu.Lock()
	defer exch.mu.Unlock()
	if len(exch.submissions) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(exch.submissions))
	}
	if exch.submissions[0].answer != "" {
		t.Fatalf("first turn ended before any segment finalized, got %q", exch.submissions[0].answer)
	}
	if exch.submissions[1].answer != "clean answer" {
		t.Fatalf("orphaned capture leaked into the next turn: %q", exch.submissions[1].answer)
	}
}

func TestBeginCandidateTurn_UnsupportedCaptureIsCached(t *testing.T) {
	cap := &fakeCapture{startErr: capture.ErrUnsupported}
	exch := &fakeExchange{openResult: &exchange.Result{Audio: []byte("q1"), CandidateID: "cand-1"}}
	c := newTestController(cap, exch, &fakePlayer{}, Observers{})

	if err := c.StartInterview(context.Background()); err != nil {
		t.Fatalf("start interview: %v", err)
	}
	waitPhase(t, c, WaitingForCandidate)

	if err := c.BeginCandidateTurn(context.Background()); !errors.Is(err, capture.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	waitPhase(t, c, WaitingForCandidate)
	if c.Snapshot().CaptureSupported {
		t.Fatalf("capture support must be reported as unavailable")
	}
	if err := c.BeginCandidateTurn(context.Background()); !errors.Is(err, capture.ErrUnsupported) {
		t.Fatalf("cached failure must be returned again, got %v", err)
	}
	cap.mu.Lock()
	defer cap.mu.Unlock()
	if cap.starts != 1 {
		t.Fatalf("capability failure must be cached, not re-probed; starts=%d", cap.starts)
	}
}

func TestInterimText_NotifiedButNeverSubmitted(t *testing.T) {
	cap := &fakeCapture{}
	exch := &fakeExchange{
		openResult: &exchange.Result{Audio: []byte("q1"), CandidateID: "cand-1"},
		submitRes:  &exchange.Result{Audio: []byte("q2")},
	}
	var mu sync.Mutex
	var interims []string
	obs := Observers{OnInterim: func(text string) {
		mu.Lock()
		interims = append(interims, text)
		mu.Unlock()
	}}
	c := newTestController(cap, exch, &fakePlayer{}, obs)

	if err := c.StartInterview(context.Background()); err != nil {
		t.Fatalf("start interview: %v", err)
	}
	waitPhase(t, c, WaitingForCandidate)
	if err := c.BeginCandidateTurn(context.Background()); err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	cap.emitInterim("I a")
	cap.emitInterim("I am re")
	cap.emitFinal("I am ready")
	if err := c.EndCandidateTurn(context.Background()); err != nil {
		t.Fatalf("end turn: %v", err)
	}
	waitPhase(t, c, WaitingForCandidate)

	mu.Lock()
	gotInterims := len(interims)
	mu.Unlock()
	if gotInterims == 0 {
		t.Fatalf("interim updates should reach observers")
	}
	exch.mu.Lock()
	defer exch.mu.Unlock()
	if exch.submissions[0].answer != "I am ready" {
		t.Fatalf("interim text leaked into the answer: %q", exch.submissions[0].answer)
	}
}

func TestIdentityRevision_LastWriteWins(t *testing.T) {
	cap := &fakeCapture{}
	exch := &fakeExchange{
		openResult: &exchange.Result{Audio: []byte("q1"), CandidateID: "cand-1"},
		submitRes:  &exchange.Result{Audio: []byte("q2"), CandidateID: "cand-2"},
	}
	c := newTestController(cap, exch, &fakePlayer{}, Observers{})

	if err := c.StartInterview(context.Background()); err != nil {
		t.Fatalf("start interview: %v", err)
	}
	waitPhase(t, c, WaitingForCandidate)
	if err := c.BeginCandidateTurn(context.Background()); err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	if err := c.EndCandidateTurn(context.Background()); err != nil {
		t.Fatalf("end turn: %v", err)
	}
	waitPhase(t, c, WaitingForCandidate)

	if got := c.Snapshot().CandidateID; got != "cand-2" {
		t.Fatalf("revised identity must be adopted, got %q", got)
	}
	if err := c.BeginCandidateTurn(context.Background()); err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	if err := c.EndCandidateTurn(context.Background()); err != nil {
		t.Fatalf("end turn: %v", err)
	}
	waitPhase(t, c, WaitingForCandidate)
	exch.mu.Lock()
	defer exch.mu.Unlock()
	if exch.submissions[1].candidateID != "cand-2" {
		t.Fatalf("next exchange must use the revised identity, got %q", exch.submissions[1].candidateID)
	}
}

func TestPlaybackFailure_RecoversToWaiting(t *testing.T) {
	exch := &fakeExchange{openResult: &exchange.Result{Audio: []byte("q1"), CandidateID: "cand-1"}}
	player := &fakePlayer{failErr: errors.New("audio device lost")}
	c := newTestController(&fakeCapture{}, exch, player, Observers{})

	if err := c.StartInterview(context.Background()); err != nil {
		t.Fatalf("start interview: %v", err)
	}
	waitPhase(t, c, WaitingForCandidate)
	if got := c.Snapshot().Speaker; got != Idle {
		t.Fatalf("speaker must revert to idle after playback failure, got %v", got)
	}
}
