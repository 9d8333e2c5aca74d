package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/biocard/internal/biometric"
	"github.com/example/biocard/internal/logging"
)

var (
	ErrAttemptInFlight = errors.New("a verification attempt is already in progress for this session")
	ErrAttemptNotFound = errors.New("verification attempt not found")
	ErrSessionsClosed  = errors.New("verification sessions are shut down")
	ErrAttemptAborted  = errors.New("verification attempt aborted")
)

// AttemptState is the lifecycle stage of a verification attempt.
type AttemptState string

const (
	AttemptProcessing AttemptState = "processing"
	AttemptCompleted  AttemptState = "completed"
	AttemptFailed     AttemptState = "failed"
	AttemptCancelled  AttemptState = "cancelled"
)

const (
	processingTTL = time.Minute
	resultTTL     = 5 * time.Minute
)

// AttemptStatus is the cached view of an attempt.
type AttemptStatus struct {
	AttemptID string              `json:"attempt_id"`
	SessionID string              `json:"session_id"`
	CardID    string              `json:"card_id"`
	State     AttemptState        `json:"state"`
	Result    *VerificationResult `json:"result,omitempty"`
	Error     string              `json:"error,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Verifier runs a single verification decision.
type Verifier interface {
	Verify(ctx context.Context, cardID string, frame biometric.Frame) (VerificationResult, error)
}

// Attempt is one asynchronous capture-and-verify run.
type Attempt struct {
	ID        string
	SessionID string
	CardID    string

	cancel context.CancelFunc
	done   chan struct{}
	result VerificationResult
	err    error
}

// Done is closed once the attempt finished and released its frame source.
func (a *Attempt) Done() <-chan struct{} { return a.done }

// Cancel asks the attempt to stop at the next step boundary.
func (a *Attempt) Cancel() { a.cancel() }

// Wait blocks until the attempt finishes or ctx is done.
func (a *Attempt) Wait(ctx context.Context) (VerificationResult, error) {
	select {
	case <-a.done:
		return a.result, a.err
	case <-ctx.Done():
		return VerificationResult{}, ctx.Err()
	}
}

// Sessions runs verification attempts off the caller's goroutine, allowing at
// most one in-flight attempt per session. Attempts of different sessions are
// independent.
type Sessions struct {
	verifier       Verifier
	cache          Cache
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu       sync.Mutex
	inflight map[string]*Attempt
	closed   bool
	wg       sync.WaitGroup
}

// NewSessions constructs a session manager.
func NewSessions(verifier Verifier, cache Cache, logger *zap.Logger) *Sessions {
	return &Sessions{
		verifier:       verifier,
		cache:          cache,
		logger:         logger.Named("sessions"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		inflight:       make(map[string]*Attempt),
	}
}

func attemptKey(attemptID string) string {
	return fmt.Sprintf("verification:%s", attemptID)
}

// Start launches a verification attempt for sessionID. The attempt owns source
// from this point and releases it exactly once, whether it completes, fails or
// is cancelled. When Start returns an error the source is untouched.
func (s *Sessions) Start(ctx context.Context, sessionID, cardID string, source biometric.FrameSource) (*Attempt, error) {
	attemptCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	attempt := &Attempt{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		CardID:    cardID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, ErrSessionsClosed
	}
	if _, busy := s.inflight[sessionID]; busy {
		s.mu.Unlock()
		cancel()
		return nil, ErrAttemptInFlight
	}
	s.inflight[sessionID] = attempt
	s.wg.Add(1)
	s.mu.Unlock()

	opLogger := logging.WithOperation(s.logger, "sessions.start", attempt.ID)
	if err := s.storeStatus(ctx, attempt, AttemptStatus{State: AttemptProcessing}, processingTTL, "cache.set.processing"); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		s.finish(attempt)
		s.wg.Done()
		cancel()
		return nil, err
	}

	go s.run(attemptCtx, attempt, source)
	return attempt, nil
}

func (s *Sessions) run(ctx context.Context, attempt *Attempt, source biometric.FrameSource) {
	defer s.wg.Done()
	defer close(attempt.done)
	defer s.finish(attempt)
	defer attempt.cancel()

	opLogger := logging.WithOperation(s.logger, "sessions.run", attempt.ID)
	defer func() {
		if err := source.Release(); err != nil {
			opLogger.Warn("failed to release frame source", zap.Error(err))
		}
	}()

	attempt.result, attempt.err = s.executeRecovered(ctx, attempt, source)

	status := AttemptStatus{State: AttemptCompleted}
	switch {
	case errors.Is(attempt.err, context.Canceled):
		status.State = AttemptCancelled
		opLogger.Info("verification attempt cancelled")
	case attempt.err != nil:
		status.State = AttemptFailed
		status.Error = attempt.err.Error()
		opLogger.Warn("verification attempt failed", zap.Error(attempt.err))
	default:
		result := attempt.result
		status.Result = &result
	}

	// The attempt context may be cancelled; the final status still has to land.
	if err := s.storeStatus(context.WithoutCancel(ctx), attempt, status, resultTTL, "cache.set.result"); err != nil {
		opLogger.Error("failed to cache attempt result", zap.Error(err))
	}
}

// executeRecovered runs the attempt, reporting a panic as ErrAttemptAborted.
func (s *Sessions) executeRecovered(ctx context.Context, attempt *Attempt, source biometric.FrameSource) (result VerificationResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.WithOperation(s.logger, "sessions.run", attempt.ID).Error("verification attempt panicked",
				zap.Any("panic", r), zap.Stack("stack"))
			result, err = VerificationResult{}, fmt.Errorf("%w: %v", ErrAttemptAborted, r)
		}
	}()
	return s.execute(ctx, attempt.CardID, source)
}

func (s *Sessions) execute(ctx context.Context, cardID string, source biometric.FrameSource) (VerificationResult, error) {
	if err := ctx.Err(); err != nil {
		return VerificationResult{}, err
	}
	frame, err := source.CaptureFrame(ctx)
	if err != nil {
		return VerificationResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return VerificationResult{}, err
	}
	return s.verifier.Verify(ctx, cardID, frame)
}

func (s *Sessions) finish(attempt *Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.inflight[attempt.SessionID]; ok && current == attempt {
		delete(s.inflight, attempt.SessionID)
	}
}

// Cancel stops the in-flight attempt of sessionID, if any.
func (s *Sessions) Cancel(sessionID string) bool {
	s.mu.Lock()
	attempt, ok := s.inflight[sessionID]
	s.mu.Unlock()
	if ok {
		attempt.Cancel()
	}
	return ok
}

// InFlight reports whether sessionID has a running attempt.
func (s *Sessions) InFlight(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[sessionID]
	return ok
}

// Status loads the cached state of an attempt.
func (s *Sessions) Status(ctx context.Context, attemptID string) (*AttemptStatus, error) {
	raw, err := s.withCacheGet(ctx, attemptID, "cache.get.result", attemptKey(attemptID))
	if errors.Is(err, redis.Nil) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, err
	}
	var status AttemptStatus
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		logging.WithOperation(s.logger, "sessions.status", attemptID).Warn("failed to decode cached attempt", zap.Error(err))
		return nil, logging.NewOperationError("sessions.decode_status", attemptID, err)
	}
	return &status, nil
}

// Shutdown cancels every running attempt and waits for them to release their sources.
func (s *Sessions) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, attempt := range s.inflight {
		attempt.Cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sessions) storeStatus(ctx context.Context, attempt *Attempt, status AttemptStatus, ttl time.Duration, operation string) error {
	status.AttemptID = attempt.ID
	status.SessionID = attempt.SessionID
	status.CardID = attempt.CardID
	status.UpdatedAt = time.Now().UTC()

	serialized, err := json.Marshal(status)
	if err != nil {
		return logging.NewOperationError(operation, attempt.ID, err)
	}
	return s.withCacheRetry(ctx, attempt.ID, operation, func() error {
		return s.cache.Set(ctx, attemptKey(attempt.ID), string(serialized), ttl)
	})
}

func (s *Sessions) withCacheRetry(ctx context.Context, ref, operation string, fn func() error) error {
	if s.retryAttempts <= 1 {
		return logging.NewOperationError(operation, ref, fn())
	}

	backoff := s.initialBackoff
	opLogger := logging.WithOperation(s.logger, operation, ref)
	var err error
	for attempt := 0; attempt < s.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, ref, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= s.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("cache operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, redis.Nil) {
			return err
		}

		if !logging.IsTransient(err) || attempt == s.retryAttempts-1 {
			opLogger.Error("cache operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, ref, err)
		}

		opLogger.Warn("transient cache error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, ref, err)
}

func (s *Sessions) withCacheGet(ctx context.Context, ref, operation, key string) (string, error) {
	var result string
	err := s.withCacheRetry(ctx, ref, operation, func() error {
		value, err := s.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
