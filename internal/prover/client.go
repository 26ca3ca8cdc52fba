// Package prover requests zero-knowledge proofs of deposit inclusion from an
// external proving service and waits for the matching fulfillment.
package prover

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/veilbridge/relayer/internal/queue"
)

var (
	ErrInvalidConfig = errors.New("prover: invalid config")
	ErrProofFailed   = errors.New("prover: proof generation failed")

	// ErrInvalidInputs means the proving service rejected the inputs
	// themselves. Retrying with the same inputs cannot succeed.
	ErrInvalidInputs = errors.New("prover: invalid proof inputs")
)

type Request struct {
	JobID        [32]byte
	Circuit      string
	PublicInput  []byte
	PrivateInput []byte
	Deadline     time.Time
}

type Result struct {
	Proof    []byte
	Metadata map[string]string
}

type Client interface {
	Prove(ctx context.Context, req Request) (Result, error)
}

// FailureError carries a structured failure reported by the proving service.
type FailureError struct {
	Code      string
	Retryable bool
	Message   string
}

func (e *FailureError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Code) == "" && strings.TrimSpace(e.Message) == "" {
		return ErrProofFailed.Error()
	}
	if strings.TrimSpace(e.Code) == "" {
		return e.Message
	}
	if strings.TrimSpace(e.Message) == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *FailureError) Unwrap() error {
	if e != nil && !e.Retryable {
		return ErrInvalidInputs
	}
	return ErrProofFailed
}

// Retryable reports whether a Prove error is worth another attempt with the
// same inputs.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidInputs) {
		return false
	}
	var fe *FailureError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return true
}

type QueueConfig struct {
	RequestTopic string
	ResultTopic  string

	Producer queue.Producer
	Consumer queue.Consumer

	AckTimeout      time.Duration
	DefaultDeadline time.Duration

	Log *slog.Logger
}

// QueueClient publishes proof requests to a queue topic and blocks until the
// result stream delivers a fulfillment or failure for the same job. Prove may
// be called concurrently for distinct jobs: a single dispatcher owns the
// shared result stream and routes each message to the waiter registered for
// its job id, so one job's result is never consumed against another's wait.
type QueueClient struct {
	cfg QueueConfig

	mu      sync.Mutex
	waiters map[[32]byte]chan outcome
	started bool
	deadErr error
}

type outcome struct {
	res Result
	err error
}

func NewQueueClient(cfg QueueConfig) (*QueueClient, error) {
	if cfg.Producer == nil || cfg.Consumer == nil {
		return nil, fmt.Errorf("%w: producer and consumer are required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.RequestTopic) == "" || strings.TrimSpace(cfg.ResultTopic) == "" {
		return nil, fmt.Errorf("%w: request and result topics are required", ErrInvalidConfig)
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 15 * time.Minute
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &QueueClient{cfg: cfg, waiters: make(map[[32]byte]chan outcome)}, nil
}

func (c *QueueClient) Prove(ctx context.Context, req Request) (Result, error) {
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}

	ch, err := c.register(req.JobID)
	if err != nil {
		return Result{}, err
	}
	defer c.unregister(req.JobID)

	deadline := req.Deadline.UTC()
	if deadline.IsZero() {
		deadline = time.Now().UTC().Add(c.cfg.DefaultDeadline)
	}
	payload, err := json.Marshal(map[string]any{
		"version":       "relay.proof.request.v1",
		"job_id":        hexBytes(req.JobID[:]),
		"circuit":       strings.TrimSpace(req.Circuit),
		"public_input":  hexBytes(req.PublicInput),
		"private_input": hexBytes(req.PrivateInput),
		"deadline":      deadline.Format(time.RFC3339),
	})
	if err != nil {
		return Result{}, fmt.Errorf("prover: marshal request payload: %w", err)
	}
	if err := c.cfg.Producer.Publish(ctx, c.cfg.RequestTopic, payload); err != nil {
		return Result{}, fmt.Errorf("prover: publish request: %w", err)
	}

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case out := <-ch:
		return out.res, out.err
	}
}

// register reserves the job's waiter slot before the request is published, so
// a result can never arrive unrouteable. The dispatcher starts on first use.
func (c *QueueClient) register(jobID [32]byte) (chan outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deadErr != nil {
		return nil, c.deadErr
	}
	if _, ok := c.waiters[jobID]; ok {
		return nil, fmt.Errorf("prover: proof already in flight for job %x", jobID)
	}
	ch := make(chan outcome, 1)
	c.waiters[jobID] = ch
	if !c.started {
		c.started = true
		go c.dispatch()
	}
	return ch, nil
}

func (c *QueueClient) unregister(jobID [32]byte) {
	c.mu.Lock()
	delete(c.waiters, jobID)
	c.mu.Unlock()
}

func (c *QueueClient) dispatch() {
	msgs := c.cfg.Consumer.Messages()
	errs := c.cfg.Consumer.Errors()
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				c.failWaiters(fmt.Errorf("prover: consume error: %w", err))
			}
		case msg, ok := <-msgs:
			if !ok {
				c.mu.Lock()
				c.deadErr = fmt.Errorf("prover: result consumer closed")
				c.mu.Unlock()
				c.failWaiters(c.deadErr)
				return
			}
			c.route(msg)
		}
	}
}

// route acks the message and delivers its outcome to the registered waiter.
// Results with no waiter on this instance are dropped; at-least-once request
// publication means a lost result surfaces as a retried proof request.
func (c *QueueClient) route(msg queue.Message) {
	jobID, out, ok := c.decodeResult(msg)
	c.ack(msg)
	if !ok {
		return
	}
	c.mu.Lock()
	ch := c.waiters[jobID]
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- out:
	default:
	}
}

func (c *QueueClient) failWaiters(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.waiters {
		select {
		case ch <- outcome{err: err}:
		default:
		}
	}
}

// decodeResult parses one result-stream message. ok is false for payloads
// that cannot be attributed to a job: empty, malformed, unknown version.
func (c *QueueClient) decodeResult(msg queue.Message) ([32]byte, outcome, bool) {
	if strings.TrimSpace(string(msg.Value)) == "" {
		return [32]byte{}, outcome{}, false
	}
	var env struct {
		Version string `json:"version"`
		JobID   string `json:"job_id"`
	}
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		c.cfg.Log.Warn("prover: ignore invalid result payload", "err", err)
		return [32]byte{}, outcome{}, false
	}
	jobID, err := parseHash(env.JobID)
	if err != nil || jobID == ([32]byte{}) {
		return [32]byte{}, outcome{}, false
	}

	switch strings.TrimSpace(env.Version) {
	case "relay.proof.result.v1":
		var res struct {
			Proof    string            `json:"proof"`
			Metadata map[string]string `json:"metadata"`
		}
		if err := json.Unmarshal(msg.Value, &res); err != nil {
			return jobID, outcome{err: fmt.Errorf("prover: decode result: %w", err)}, true
		}
		proof, err := decodeHex(res.Proof)
		if err != nil {
			return jobID, outcome{err: fmt.Errorf("prover: decode result proof: %w", err)}, true
		}
		if len(proof) == 0 {
			return jobID, outcome{err: fmt.Errorf("prover: empty proof in result")}, true
		}
		return jobID, outcome{res: Result{
			Proof:    proof,
			Metadata: cloneMap(res.Metadata),
		}}, true
	case "relay.proof.failure.v1":
		var fail struct {
			ErrorCode string `json:"error_code"`
			Retryable bool   `json:"retryable"`
			Message   string `json:"message"`
		}
		if err := json.Unmarshal(msg.Value, &fail); err != nil {
			return jobID, outcome{err: fmt.Errorf("prover: decode failure: %w", err)}, true
		}
		return jobID, outcome{err: &FailureError{
			Code:      strings.TrimSpace(fail.ErrorCode),
			Retryable: fail.Retryable,
			Message:   strings.TrimSpace(fail.Message),
		}}, true
	default:
		c.cfg.Log.Warn("prover: ignore unknown result version", "version", env.Version)
		return [32]byte{}, outcome{}, false
	}
}

func (c *QueueClient) ack(msg queue.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AckTimeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.cfg.Log.Warn("prover: ack failed", "err", err)
	}
}

// StaticClient returns a fixed result or error; used in tests and local
// development.
type StaticClient struct {
	Result Result
	Err    error
}

func (c *StaticClient) Prove(_ context.Context, req Request) (Result, error) {
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}
	if c == nil {
		return Result{}, fmt.Errorf("%w: nil static client", ErrInvalidConfig)
	}
	if c.Err != nil {
		return Result{}, c.Err
	}
	return Result{
		Proof:    append([]byte(nil), c.Result.Proof...),
		Metadata: cloneMap(c.Result.Metadata),
	}, nil
}

func validateRequest(req Request) error {
	if req.JobID == ([32]byte{}) {
		return fmt.Errorf("%w: missing job id", ErrInvalidConfig)
	}
	if strings.TrimSpace(req.Circuit) == "" {
		return fmt.Errorf("%w: missing circuit", ErrInvalidConfig)
	}
	if len(req.PublicInput) == 0 {
		return fmt.Errorf("%w: empty public input", ErrInvalidConfig)
	}
	if len(req.PrivateInput) == 0 {
		return fmt.Errorf("%w: empty private input", ErrInvalidConfig)
	}
	return nil
}

func hexBytes(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

func decodeHex(s string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if trimmed == "" {
		return nil, nil
	}
	return hex.DecodeString(trimmed)
}

func parseHash(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := decodeHex(s)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("prover: hash must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func cloneMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
