package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/example/biocard/internal/accounts"
	"github.com/example/biocard/internal/biometric"
	"github.com/example/biocard/internal/ledger"
	"github.com/example/biocard/internal/logging"
)

func TestVerifyMatchesEnrolledUser(t *testing.T) {
	f := newFixture(t)
	frame := noiseFrame(1)
	f.enroll(t, "A", frame)

	res, err := f.authorizer.Verify(context.Background(), "C1", frame)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !res.Success || res.UserID != "A" || res.Confidence != 100 || res.Reason != ReasonMatched {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.Contains(res.Message, "Sarah Johnson") {
		t.Fatalf("expected welcome message, got %q", res.Message)
	}

	if n, _ := f.ledger.Total(context.Background()); n != 0 {
		t.Fatalf("successful verification must not record a transaction by itself, got %d", n)
	}
	if len(f.notifier.calls()) != 0 {
		t.Fatal("successful verification must not alert the holder")
	}
}

func TestVerifyMismatchOpensManualReview(t *testing.T) {
	f := newFixture(t)
	frame := noiseFrame(1)
	f.enroll(t, "A", frame)

	res, err := f.authorizer.Verify(context.Background(), "C1", inverted(frame))
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if res.Success || res.Reason != ReasonNoMatch || res.UserID != "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.TransactionID == "" {
		t.Fatal("expected a manual review transaction id")
	}

	txs, _ := f.ledger.List(context.Background(), ledger.Filter{})
	if len(txs) != 1 {
		t.Fatalf("expected one transaction, got %d", len(txs))
	}
	tx := txs[0]
	if tx.ID != res.TransactionID || tx.CardID != "C1" || tx.UserID != ledger.UnknownUser ||
		tx.Status != ledger.StatusPending || tx.Method != ledger.MethodManual {
		t.Fatalf("unexpected review transaction: %+v", tx)
	}

	calls := f.notifier.calls()
	if len(calls) != 1 || calls[0].to != "holder@example.com" || calls[0].subject != alertAttemptSubject {
		t.Fatalf("unexpected alerts: %+v", calls)
	}
}

func TestVerifyReportsBestConfidenceOnMismatch(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "A", noiseFrame(1))

	capture := noiseFrame(99)
	res, err := f.authorizer.Verify(context.Background(), "C1", capture)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	a, _ := biometric.Extract(noiseFrame(1))
	b, _ := biometric.Extract(capture)
	score := biometric.Similarity(a, b)
	if biometric.IsMatch(score) {
		t.Skip("pseudo-random frames happened to correlate")
	}
	if res.Confidence != biometric.Confidence(score) {
		t.Fatalf("expected confidence %d, got %d", biometric.Confidence(score), res.Confidence)
	}
}

func TestVerifyWithoutCandidatesCreatesNothing(t *testing.T) {
	f := newFixture(t)

	for _, frame := range []biometric.Frame{noiseFrame(1), noiseFrame(2), inverted(noiseFrame(3))} {
		res, err := f.authorizer.Verify(context.Background(), "C2", frame)
		if err != nil {
			t.Fatalf("verify failed: %v", err)
		}
		if res.Success || res.Confidence != 0 || res.Message != msgNoAuthorizedUsers || res.Reason != ReasonNoAuthorizedUsers {
			t.Fatalf("unexpected result: %+v", res)
		}
	}

	if n, _ := f.ledger.Total(context.Background()); n != 0 {
		t.Fatalf("expected no transactions, got %d", n)
	}
	if len(f.notifier.calls()) != 0 {
		t.Fatal("dispatcher must not be called for an empty candidate pool")
	}
}

func TestVerifyIgnoresUsersWithoutTemplateOrInactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A is authorized on C1 but not enrolled yet.
	res, _ := f.authorizer.Verify(ctx, "C1", noiseFrame(1))
	if res.Reason != ReasonNoAuthorizedUsers {
		t.Fatalf("expected no authorized users, got %+v", res)
	}

	f.enroll(t, "A", noiseFrame(1))
	if _, err := f.dir.ToggleUser("A"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	res, _ = f.authorizer.Verify(ctx, "C1", noiseFrame(1))
	if res.Reason != ReasonNoAuthorizedUsers {
		t.Fatalf("inactive user must not be a candidate, got %+v", res)
	}
}

func TestVerifyUnknownCard(t *testing.T) {
	f := newFixture(t)
	if _, err := f.authorizer.Verify(context.Background(), "nope", noiseFrame(1)); !errors.Is(err, ErrUnknownCard) {
		t.Fatalf("expected ErrUnknownCard, got %v", err)
	}
}

func TestVerifyInvalidFrameAsksForRetry(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "A", noiseFrame(1))

	res, err := f.authorizer.Verify(context.Background(), "C1", biometric.Frame{Width: 10, Height: 10, Channels: 2, Pixels: make([]byte, 200)})
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if res.Success || res.Reason != ReasonNoFaceDetected {
		t.Fatalf("unexpected result: %+v", res)
	}
	if n, _ := f.ledger.Total(context.Background()); n != 0 {
		t.Fatalf("expected no transactions, got %d", n)
	}
}

func TestVerifyTieGoesToLowestUserID(t *testing.T) {
	f := newFixture(t)
	if _, err := f.dir.AddUser(accounts.NewUser{ID: "0-first", Name: "Mike Davis", Email: "mike.d@example.com", CardAccess: []string{"C1"}}); err != nil {
		t.Fatalf("add user: %v", err)
	}
	frame := noiseFrame(5)
	f.enroll(t, "A", frame)
	f.enroll(t, "0-first", frame)

	res, err := f.authorizer.Verify(context.Background(), "C1", frame)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if res.UserID != "0-first" {
		t.Fatalf("expected lowest id to win the tie, got %q", res.UserID)
	}
}

func TestReEnrollmentReplacesTemplate(t *testing.T) {
	f := newFixture(t)
	v1 := noiseFrame(7)
	v2 := inverted(v1)

	f.enroll(t, "A", v1)
	f.enroll(t, "A", v2)

	res, _ := f.authorizer.Verify(context.Background(), "C1", v2)
	if !res.Success || res.UserID != "A" {
		t.Fatalf("expected match on new template, got %+v", res)
	}
	res, _ = f.authorizer.Verify(context.Background(), "C1", v1)
	if res.Success {
		t.Fatalf("old template must no longer match, got %+v", res)
	}
}

func TestVerifyNotificationFailureKeepsTransaction(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("smtp down")
	f.enroll(t, "A", noiseFrame(1))

	res, err := f.authorizer.Verify(context.Background(), "C1", inverted(noiseFrame(1)))
	if err != nil {
		t.Fatalf("dispatch failure must not surface: %v", err)
	}
	if _, err := f.ledger.Get(context.Background(), res.TransactionID); err != nil {
		t.Fatalf("review transaction missing: %v", err)
	}
}

func TestVerifyHonoursCancellation(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "A", noiseFrame(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.authorizer.Verify(ctx, "C1", noiseFrame(1)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEnrollUnknownUserAndBadFrame(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.authorizer.Enroll(ctx, "ghost", noiseFrame(1)); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
	res, err := f.authorizer.Enroll(ctx, "A", biometric.Frame{})
	if err != nil || res.Success {
		t.Fatalf("expected unsuccessful enrollment, got res=%+v err=%v", res, err)
	}
	user, _ := f.dir.User("A")
	if !user.EnrolledAt.IsZero() {
		t.Fatal("failed enrollment must not mark the user enrolled")
	}
}

func TestEnrollWithProgressReportsAndReleases(t *testing.T) {
	f := newFixture(t)
	src := newCountingSource(noiseFrame(1), false)

	var seen []int
	res, err := f.authorizer.EnrollWithProgress(context.Background(), "A", src, func(p int) { seen = append(seen, p) })
	if err != nil || !res.Success {
		t.Fatalf("enroll failed: res=%+v err=%v", res, err)
	}
	if len(seen) == 0 || seen[len(seen)-1] != 100 {
		t.Fatalf("expected progress ending at 100, got %v", seen)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Fatalf("progress went backwards: %v", seen)
		}
	}
	if src.releaseCount() != 1 {
		t.Fatalf("expected source released once, got %d", src.releaseCount())
	}
	if _, ok, _ := f.templates.Get(context.Background(), "A"); !ok {
		t.Fatal("template not stored")
	}
}

func TestEnrollWithProgressCancelled(t *testing.T) {
	f := newFixture(t)
	src := newCountingSource(noiseFrame(1), false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.authorizer.EnrollWithProgress(ctx, "A", src, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if src.releaseCount() != 1 {
		t.Fatalf("cancelled enrollment must release the source, got %d", src.releaseCount())
	}
	if _, ok, _ := f.templates.Get(context.Background(), "A"); ok {
		t.Fatal("cancelled enrollment must not store a template")
	}
}

func TestRemoveEnrollmentAndDeleteUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "A", noiseFrame(1))

	if err := f.authorizer.RemoveEnrollment(ctx, "A"); err != nil {
		t.Fatalf("remove enrollment: %v", err)
	}
	if err := f.authorizer.RemoveEnrollment(ctx, "A"); err != nil {
		t.Fatalf("second remove must be idempotent: %v", err)
	}
	res, _ := f.authorizer.Verify(ctx, "C1", noiseFrame(1))
	if res.Reason != ReasonNoAuthorizedUsers {
		t.Fatalf("expected empty pool after removal, got %+v", res)
	}

	f.enroll(t, "A", noiseFrame(1))
	if err := f.authorizer.DeleteUser(ctx, "A"); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if _, ok, _ := f.templates.Get(ctx, "A"); ok {
		t.Fatal("template survived user deletion")
	}
}

func TestWithdrawRecordsApprovedBiometricTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "A", noiseFrame(1))

	res, _ := f.authorizer.Verify(ctx, "C1", noiseFrame(1))
	if res.VerificationID == "" {
		t.Fatalf("successful verification carries no id: %+v", res)
	}
	tx, err := f.authorizer.Withdraw(ctx, Withdrawal{VerificationID: res.VerificationID, CardID: "C1", UserID: res.UserID, Amount: decimal.NewFromInt(200)})
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if tx.Status != ledger.StatusApproved || tx.Method != ledger.MethodBiometric || tx.UserID != "A" {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
}

func TestFailedVerificationIssuesNoID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "A", noiseFrame(1))

	res, err := f.authorizer.Verify(ctx, "C1", inverted(noiseFrame(1)))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Success || res.VerificationID != "" {
		t.Fatalf("expected failure without id, got %+v", res)
	}
}

func TestWithdrawRequiresVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "A", noiseFrame(1))

	if _, err := f.authorizer.Withdraw(ctx, Withdrawal{CardID: "C1", UserID: "A", Amount: decimal.NewFromInt(50)}); !errors.Is(err, ErrNotVerified) {
		t.Fatalf("expected ErrNotVerified without verification, got %v", err)
	}
	if _, err := f.authorizer.Withdraw(ctx, Withdrawal{VerificationID: "made-up", CardID: "C1", UserID: "A", Amount: decimal.NewFromInt(50)}); !errors.Is(err, ErrNotVerified) {
		t.Fatalf("expected ErrNotVerified for unknown id, got %v", err)
	}
	if n, _ := f.ledger.Total(ctx); n != 0 {
		t.Fatalf("rejected withdrawals reached the ledger: %d", n)
	}
}

func TestWithdrawConsumesVerificationOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "A", noiseFrame(1))

	res, _ := f.authorizer.Verify(ctx, "C1", noiseFrame(1))
	w := Withdrawal{VerificationID: res.VerificationID, CardID: "C1", UserID: "A", Amount: decimal.NewFromInt(100)}
	if _, err := f.authorizer.Withdraw(ctx, w); err != nil {
		t.Fatalf("first withdraw: %v", err)
	}
	if _, err := f.authorizer.Withdraw(ctx, w); !errors.Is(err, ErrNotVerified) {
		t.Fatalf("expected replay to fail with ErrNotVerified, got %v", err)
	}
}

func TestWithdrawRejectsMismatchedVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "A", noiseFrame(1))

	res, _ := f.authorizer.Verify(ctx, "C1", noiseFrame(1))
	if _, err := f.authorizer.Withdraw(ctx, Withdrawal{VerificationID: res.VerificationID, CardID: "C1", UserID: "B", Amount: decimal.NewFromInt(50)}); !errors.Is(err, ErrNotVerified) {
		t.Fatalf("expected ErrNotVerified for other user, got %v", err)
	}

	res, _ = f.authorizer.Verify(ctx, "C1", noiseFrame(1))
	if _, err := f.authorizer.Withdraw(ctx, Withdrawal{VerificationID: res.VerificationID, CardID: "C2", UserID: "A", Amount: decimal.NewFromInt(50)}); !errors.Is(err, ErrNotVerified) {
		t.Fatalf("expected ErrNotVerified for other card, got %v", err)
	}
}

func TestWithdrawRejectsIneligibleOrOutOfRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "A", noiseFrame(1))

	res, _ := f.authorizer.Verify(ctx, "C1", noiseFrame(1))
	w := Withdrawal{VerificationID: res.VerificationID, CardID: "C1", UserID: "A"}

	w.Amount = decimal.NewFromInt(5)
	if _, err := f.authorizer.Withdraw(ctx, w); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	w.Amount = decimal.NewFromInt(1001)
	if _, err := f.authorizer.Withdraw(ctx, w); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	// Out-of-range amounts leave the verification usable.
	if _, err := f.dir.ToggleUser("A"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	w.Amount = decimal.NewFromInt(50)
	if _, err := f.authorizer.Withdraw(ctx, w); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible for inactive user, got %v", err)
	}
}

func TestVerifyFailsWhenGrantCannotBeStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "A", noiseFrame(1))
	WithGrantCache(newStubCache(errors.New("cache down")))(f.authorizer)

	_, err := f.authorizer.Verify(ctx, "C1", noiseFrame(1))
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.store_grant" {
		t.Fatalf("expected store_grant operation error, got %v", err)
	}
}

func TestReviewDenialAlertsHolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "A", noiseFrame(1))
	res, _ := f.authorizer.Verify(ctx, "C1", inverted(noiseFrame(1)))

	tx, err := f.authorizer.Review(ctx, res.TransactionID, ledger.StatusDenied)
	if err != nil || tx.Status != ledger.StatusDenied {
		t.Fatalf("review failed: tx=%+v err=%v", tx, err)
	}
	calls := f.notifier.calls()
	if len(calls) != 2 || calls[1].subject != alertDeniedSubject {
		t.Fatalf("expected denial alert, got %+v", calls)
	}

	if _, err := f.authorizer.Review(ctx, res.TransactionID, ledger.StatusApproved); !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	stored, _ := f.ledger.Get(ctx, res.TransactionID)
	if stored.Status != ledger.StatusDenied {
		t.Fatalf("status changed after rejected review: %s", stored.Status)
	}
}

func TestSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "A", noiseFrame(1))
	if _, err := f.authorizer.Verify(ctx, "C1", inverted(noiseFrame(1))); err != nil {
		t.Fatalf("verify: %v", err)
	}

	s, err := f.authorizer.Summary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if s.TotalCards != 2 || s.ActiveCards != 2 || s.ActiveUsers != 1 || s.EnrolledUsers != 1 || s.PendingTransactions != 1 || s.TotalTransactions != 1 {
		t.Fatalf("unexpected summary: %+v", s)
	}
}
