package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/biocard/internal/accounts"
	"github.com/example/biocard/internal/biometric"
	"github.com/example/biocard/internal/ledger"
	"github.com/example/biocard/internal/logging"
	"github.com/example/biocard/internal/notify"
	"github.com/example/biocard/internal/templates"
)

var (
	ErrUnknownCard  = accounts.ErrUnknownCard
	ErrUnknownUser  = accounts.ErrUnknownUser
	ErrNotEligible  = errors.New("user is not eligible for this card")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotVerified  = errors.New("withdrawal is not backed by a successful verification")
)

// grantTTL bounds how long a successful verification may back a withdrawal.
const grantTTL = 2 * time.Minute

// Withdrawal limits enforced for verified cash withdrawals.
var (
	MinWithdrawal = decimal.NewFromInt(10)
	MaxWithdrawal = decimal.NewFromInt(1000)
)

const (
	msgNoFace            = "No face detected. Please position your face clearly in the camera."
	msgNoAuthorizedUsers = "No authorized users found for this card"
	msgNoMatch           = "Face not recognized. Access denied for security reasons."

	alertAttemptSubject = "Unauthorized ATM Access Attempt"
	alertDeniedSubject  = "Transaction Denied"
)

// Reason classifies the outcome of a verification attempt.
type Reason string

const (
	ReasonMatched           Reason = "matched"
	ReasonNoFaceDetected    Reason = "no_face_detected"
	ReasonNoAuthorizedUsers Reason = "no_authorized_users"
	ReasonNoMatch           Reason = "no_match"
)

// VerificationResult is the structured verdict handed back to the presentation layer.
type VerificationResult struct {
	Success        bool      `json:"success"`
	CardID         string    `json:"card_id"`
	UserID         string    `json:"user_id,omitempty"`
	Confidence     int       `json:"confidence"`
	Score          float64   `json:"score"`
	Message        string    `json:"message"`
	Reason         Reason    `json:"reason"`
	TransactionID  string    `json:"transaction_id,omitempty"`
	// VerificationID is set on success and authorizes exactly one withdrawal.
	VerificationID string    `json:"verification_id,omitempty"`
	DecidedAt      time.Time `json:"decided_at"`
}

type grant struct {
	CardID string `json:"card_id"`
	UserID string `json:"user_id"`
}

func grantKey(verificationID string) string {
	return fmt.Sprintf("grant:%s", verificationID)
}

// EnrollmentResult reports whether a template was stored.
type EnrollmentResult struct {
	Success    bool      `json:"success"`
	UserID     string    `json:"user_id"`
	Message    string    `json:"message"`
	EnrolledAt time.Time `json:"enrolled_at,omitempty"`
}

// Withdrawal is a cash request made after a successful verification.
type Withdrawal struct {
	VerificationID string
	CardID         string
	UserID         string
	Amount         decimal.Decimal
	Location       string
}

// ProgressFunc receives enrollment progress as a percentage.
type ProgressFunc func(percent int)

// Directory is the card and user registry the engine reads from.
type Directory interface {
	Card(cardID string) (accounts.CardAccount, error)
	User(userID string) (accounts.AuthorizedUser, error)
	EligibleUsers(cardID string) ([]accounts.AuthorizedUser, error)
	MarkEnrolled(userID string, at time.Time) error
	DeleteUser(userID string) error
	Cards() []accounts.CardAccount
	Users() []accounts.AuthorizedUser
}

// Ledger is the subset of the transaction ledger the engine writes to.
type Ledger interface {
	Create(ctx context.Context, in ledger.NewTransaction) (ledger.Transaction, error)
	SetStatus(ctx context.Context, id string, status ledger.Status) (ledger.Transaction, error)
	PendingCount(ctx context.Context) (int64, error)
	Total(ctx context.Context) (int64, error)
}

// Authorizer verifies card users against enrolled templates and records the outcome.
type Authorizer struct {
	directory        Directory
	templates        templates.Store
	ledger           Ledger
	notifier         notify.Dispatcher
	grants           Cache
	logger           *zap.Logger
	fallbackEmail    string
	progressSteps    int
	progressInterval time.Duration
	now              func() time.Time
}

// AuthorizerOption customises an Authorizer.
type AuthorizerOption func(*Authorizer)

// WithFallbackRecipient sets the alert address used when a card has no holder email.
func WithFallbackRecipient(email string) AuthorizerOption {
	return func(a *Authorizer) { a.fallbackEmail = email }
}

// WithGrantCache sets where successful verifications are kept until a
// withdrawal consumes them. Defaults to an in-process cache.
func WithGrantCache(cache Cache) AuthorizerOption {
	return func(a *Authorizer) {
		if cache != nil {
			a.grants = cache
		}
	}
}

// WithEnrollmentPacing sets how enrollment progress is reported.
func WithEnrollmentPacing(steps int, interval time.Duration) AuthorizerOption {
	return func(a *Authorizer) {
		if steps > 0 {
			a.progressSteps = steps
		}
		if interval >= 0 {
			a.progressInterval = interval
		}
	}
}

// NewAuthorizer wires the engine.
func NewAuthorizer(dir Directory, store templates.Store, ldg Ledger, notifier notify.Dispatcher, logger *zap.Logger, opts ...AuthorizerOption) *Authorizer {
	a := &Authorizer{
		directory:        dir,
		templates:        store,
		ledger:           ldg,
		notifier:         notifier,
		grants:           NewMemoryCache(),
		logger:           logger.Named("authorizer"),
		progressSteps:    10,
		progressInterval: 300 * time.Millisecond,
		now:              func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type candidate struct {
	user   accounts.AuthorizedUser
	vector biometric.FeatureVector
}

// Verify decides whether the person in frame may use cardID. Only an unknown
// card, a cancelled context or an infrastructure failure produce an error;
// every biometric outcome is reported through the result.
func (a *Authorizer) Verify(ctx context.Context, cardID string, frame biometric.Frame) (VerificationResult, error) {
	opLogger := logging.WithOperation(a.logger, "usecase.verify", cardID)

	card, err := a.directory.Card(cardID)
	if err != nil {
		return VerificationResult{}, err
	}
	result := VerificationResult{CardID: card.ID}

	vector, err := biometric.Extract(frame)
	if err != nil {
		opLogger.Info("feature extraction failed", zap.Error(err))
		result.Message = msgNoFace
		result.Reason = ReasonNoFaceDetected
		result.DecidedAt = a.now()
		return result, nil
	}
	if err := ctx.Err(); err != nil {
		return VerificationResult{}, err
	}

	pool, err := a.candidatePool(ctx, card.ID)
	if err != nil {
		return VerificationResult{}, err
	}
	if len(pool) == 0 {
		opLogger.Info("no eligible candidates")
		result.Message = msgNoAuthorizedUsers
		result.Reason = ReasonNoAuthorizedUsers
		result.DecidedAt = a.now()
		return result, nil
	}
	if err := ctx.Err(); err != nil {
		return VerificationResult{}, err
	}

	best, bestScore := -1, 0.0
	for i, c := range pool {
		score := biometric.Similarity(vector, c.vector)
		if best < 0 || score > bestScore {
			best, bestScore = i, score
		}
	}

	result.Score = bestScore
	result.Confidence = biometric.Confidence(bestScore)
	result.DecidedAt = a.now()

	if biometric.IsMatch(bestScore) {
		winner := pool[best].user
		verificationID, err := a.issueGrant(ctx, card.ID, winner.ID)
		if err != nil {
			opLogger.Error("failed to record verification grant", zap.Error(err))
			return VerificationResult{}, err
		}
		result.VerificationID = verificationID
		result.Success = true
		result.UserID = winner.ID
		result.Reason = ReasonMatched
		result.Message = fmt.Sprintf("Welcome, %s! Face verified successfully.", winner.Name)
		opLogger.Info("verification succeeded", zap.String("user_id", winner.ID), zap.Int("confidence", result.Confidence))
		return result, nil
	}

	if err := ctx.Err(); err != nil {
		return VerificationResult{}, err
	}

	tx, err := a.ledger.Create(ctx, ledger.NewTransaction{
		CardID: card.ID,
		UserID: ledger.UnknownUser,
		Status: ledger.StatusPending,
		Method: ledger.MethodManual,
	})
	if err != nil {
		wrapped := logging.NewOperationError("usecase.record_review", cardID, err)
		opLogger.Error("failed to record manual review", zap.Error(wrapped))
		return VerificationResult{}, wrapped
	}

	result.Reason = ReasonNoMatch
	result.Message = msgNoMatch
	result.TransactionID = tx.ID
	opLogger.Warn("verification failed, manual review opened",
		zap.String("transaction_id", tx.ID), zap.Int("confidence", result.Confidence))

	a.alert(ctx, card, alertAttemptSubject, fmt.Sprintf(
		"An unauthorized access attempt was made on your card at %s. Please review and approve or deny this transaction.",
		tx.Location))
	return result, nil
}

// candidatePool returns active, card-authorized users holding a template, in
// ascending user id order.
func (a *Authorizer) candidatePool(ctx context.Context, cardID string) ([]candidate, error) {
	users, err := a.directory.EligibleUsers(cardID)
	if err != nil {
		return nil, err
	}
	pool := make([]candidate, 0, len(users))
	for _, u := range users {
		tpl, ok, err := a.templates.Get(ctx, u.ID)
		if err != nil {
			return nil, logging.NewOperationError("usecase.load_template", u.ID, err)
		}
		if !ok {
			continue
		}
		pool = append(pool, candidate{user: u, vector: tpl.Vector})
	}
	return pool, nil
}

// Enroll extracts a template from frame and stores it for userID, replacing
// any previous one. A frame without samples yields Success=false.
func (a *Authorizer) Enroll(ctx context.Context, userID string, frame biometric.Frame) (EnrollmentResult, error) {
	opLogger := logging.WithOperation(a.logger, "usecase.enroll", userID)
	if _, err := a.directory.User(userID); err != nil {
		return EnrollmentResult{}, err
	}

	vector, err := biometric.Extract(frame)
	if err != nil {
		opLogger.Info("enrollment capture rejected", zap.Error(err))
		return EnrollmentResult{UserID: userID, Message: msgNoFace}, nil
	}

	tpl, err := a.templates.Enroll(ctx, userID, vector)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.store_template", userID, err)
		opLogger.Error("failed to store template", zap.Error(wrapped))
		return EnrollmentResult{}, wrapped
	}
	if err := a.directory.MarkEnrolled(userID, tpl.EnrolledAt); err != nil {
		return EnrollmentResult{}, err
	}

	opLogger.Info("template enrolled", zap.Int("samples", len(vector)))
	return EnrollmentResult{
		Success:    true,
		UserID:     userID,
		Message:    "Facial recognition enrolled successfully!",
		EnrolledAt: tpl.EnrolledAt,
	}, nil
}

// EnrollWithProgress reports progress while preparing the capture, then
// enrolls the frame supplied by source. The source is always released.
func (a *Authorizer) EnrollWithProgress(ctx context.Context, userID string, source biometric.FrameSource, progress ProgressFunc) (EnrollmentResult, error) {
	defer a.release(source, userID)
	if progress == nil {
		progress = func(int) {}
	}

	for step := 0; step < a.progressSteps; step++ {
		progress(step * 100 / a.progressSteps)
		select {
		case <-ctx.Done():
			return EnrollmentResult{}, ctx.Err()
		case <-time.After(a.progressInterval):
		}
	}

	frame, err := source.CaptureFrame(ctx)
	if err != nil {
		return EnrollmentResult{}, logging.NewOperationError("usecase.capture_frame", userID, err)
	}
	res, err := a.Enroll(ctx, userID, frame)
	if err == nil && res.Success {
		progress(100)
	}
	return res, err
}

// RemoveEnrollment deletes userID's template and clears the enrollment date.
func (a *Authorizer) RemoveEnrollment(ctx context.Context, userID string) error {
	if _, err := a.directory.User(userID); err != nil {
		return err
	}
	if err := a.templates.Remove(ctx, userID); err != nil {
		return logging.NewOperationError("usecase.remove_template", userID, err)
	}
	return a.directory.MarkEnrolled(userID, time.Time{})
}

// DeleteUser removes the user from the directory along with their template.
func (a *Authorizer) DeleteUser(ctx context.Context, userID string) error {
	if err := a.directory.DeleteUser(userID); err != nil {
		return err
	}
	if err := a.templates.Remove(ctx, userID); err != nil {
		return logging.NewOperationError("usecase.remove_template", userID, err)
	}
	return nil
}

func (a *Authorizer) issueGrant(ctx context.Context, cardID, userID string) (string, error) {
	id := uuid.NewString()
	payload, err := json.Marshal(grant{CardID: cardID, UserID: userID})
	if err != nil {
		return "", logging.NewOperationError("usecase.store_grant", id, err)
	}
	if err := a.grants.Set(ctx, grantKey(id), string(payload), grantTTL); err != nil {
		return "", logging.NewOperationError("usecase.store_grant", id, err)
	}
	return id, nil
}

// consumeGrant redeems a verification for w. A grant is deleted on first use,
// including when it turns out not to match.
func (a *Authorizer) consumeGrant(ctx context.Context, w Withdrawal) error {
	if w.VerificationID == "" {
		return ErrNotVerified
	}
	raw, err := a.grants.Take(ctx, grantKey(w.VerificationID))
	if errors.Is(err, redis.Nil) {
		return ErrNotVerified
	}
	if err != nil {
		return logging.NewOperationError("usecase.consume_grant", w.VerificationID, err)
	}
	var g grant
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return logging.NewOperationError("usecase.consume_grant", w.VerificationID, err)
	}
	if g.CardID != w.CardID || g.UserID != w.UserID {
		return ErrNotVerified
	}
	return nil
}

// Withdraw records an approved biometric transaction backed by the successful
// verification named in w.VerificationID. Each verification backs one
// withdrawal. The user's eligibility is checked again so the ledger never
// holds an approval for someone who could no longer be matched.
func (a *Authorizer) Withdraw(ctx context.Context, w Withdrawal) (ledger.Transaction, error) {
	if w.Amount.LessThan(MinWithdrawal) || w.Amount.GreaterThan(MaxWithdrawal) {
		return ledger.Transaction{}, fmt.Errorf("%w: amount must be between $%s and $%s", ErrInvalidInput, MinWithdrawal, MaxWithdrawal)
	}
	if err := a.consumeGrant(ctx, w); err != nil {
		logging.WithOperation(a.logger, "usecase.withdraw", w.CardID).Warn("withdrawal rejected", zap.Error(err))
		return ledger.Transaction{}, err
	}

	pool, err := a.candidatePool(ctx, w.CardID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	eligible := false
	for _, c := range pool {
		if c.user.ID == w.UserID {
			eligible = true
			break
		}
	}
	if !eligible {
		return ledger.Transaction{}, ErrNotEligible
	}

	return a.ledger.Create(ctx, ledger.NewTransaction{
		CardID:   w.CardID,
		UserID:   w.UserID,
		Amount:   w.Amount,
		Location: w.Location,
		Status:   ledger.StatusApproved,
		Method:   ledger.MethodBiometric,
	})
}

// Review applies the holder's manual decision to a pending transaction. A
// denial triggers an alert to the card holder.
func (a *Authorizer) Review(ctx context.Context, transactionID string, status ledger.Status) (ledger.Transaction, error) {
	tx, err := a.ledger.SetStatus(ctx, transactionID, status)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if tx.Status == ledger.StatusDenied {
		if card, err := a.directory.Card(tx.CardID); err == nil {
			a.alert(ctx, card, alertDeniedSubject, fmt.Sprintf(
				"A withdrawal attempt of $%s at %s has been denied.", tx.Amount.StringFixed(2), tx.Location))
		}
	}
	return tx, nil
}

// alert notifies the card holder. Failures are logged and never undo the
// transaction that triggered the alert.
func (a *Authorizer) alert(ctx context.Context, card accounts.CardAccount, subject, body string) {
	opLogger := logging.WithOperation(a.logger, "usecase.alert", card.ID)
	to := card.HolderEmail
	if to == "" {
		to = a.fallbackEmail
	}
	if to == "" || a.notifier == nil {
		opLogger.Warn("no alert recipient configured", zap.String("subject", subject))
		return
	}

	ack, err := a.notifier.Send(ctx, to, subject, body)
	if err != nil {
		opLogger.Error("alert dispatch failed", zap.Error(err), zap.String("subject", subject))
		return
	}
	opLogger.Info("alert dispatched", zap.String("ack_id", ack.ID), zap.Bool("accepted", ack.Accepted))
}

func (a *Authorizer) release(source biometric.FrameSource, ref string) {
	if err := source.Release(); err != nil {
		logging.WithOperation(a.logger, "usecase.release_source", ref).Warn("failed to release frame source", zap.Error(err))
	}
}
