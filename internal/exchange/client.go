package exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// candidateIDHeader carries the session identity pinned by the remote service.
const candidateIDHeader = "Candidate-Id"

// Result is one remote exchange response: a synthesized audio payload and,
// when the service set or revised it, the session identity to use from now on.
type Result struct {
	Audio       []byte
	CandidateID string // empty means "identity unchanged"
}

// ExchangeError reports a non-success response from the interview service.
type ExchangeError struct {
	Op     string
	Status int
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange: %s failed with status %d", e.Op, e.Status)
}

// Client talks to the remote interview service. Both operations are plain
// point-to-point request/response calls; there is no streaming and no
// automatic retry (a repeated answer would count as a second answer).
type Client struct {
	httpClient *http.Client
	baseURL    string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// OpeningQuestion requests the first interviewer question for the given
// candidate context. candidateID may be empty on the very first call; the
// identity returned must be pinned for the rest of the session.
func (c *Client) OpeningQuestion(ctx context.Context, candidateCtx, candidateID string) (*Result, error) {
	q := url.Values{}
	q.Set("context", candidateCtx)
	if candidateID != "" {
		q.Set("candidate_id", candidateID)
	}
	return c.get(ctx, "question", q)
}

// SubmitAnswer sends the joined transcript for the completed candidate turn
// and returns the next interviewer audio. An empty answer is valid.
func (c *Client) SubmitAnswer(ctx context.Context, answer, candidateID string) (*Result, error) {
	q := url.Values{}
	q.Set("answer", answer)
	q.Set("candidate_id", candidateID)
	return c.get(ctx, "answer", q)
}

func (c *Client) get(ctx context.Context, op string, q url.Values) (*Result, error) {
	endpoint := fmt.Sprintf("%s/%s?%s", c.baseURL, op, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchange: %s request: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ExchangeError{Op: op, Status: resp.StatusCode}
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("exchange: %s read body: %w", op, err)
	}
	return &Result{
		Audio:       audio,
		CandidateID: resp.Header.Get(candidateIDHeader),
	}, nil
}
