package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/biocard/internal/accounts"
	"github.com/example/biocard/internal/biometric"
	"github.com/example/biocard/internal/ledger"
	"github.com/example/biocard/internal/notify"
	"github.com/example/biocard/internal/templates"
)

type sentAlert struct {
	to, subject, body string
}

type stubNotifier struct {
	mu   sync.Mutex
	sent []sentAlert
	err  error
}

func (s *stubNotifier) Send(ctx context.Context, to, subject, body string) (notify.Acknowledgement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentAlert{to: to, subject: subject, body: body})
	if s.err != nil {
		return notify.Acknowledgement{}, s.err
	}
	return notify.Acknowledgement{ID: "ack", Accepted: true}, nil
}

func (s *stubNotifier) calls() []sentAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentAlert(nil), s.sent...)
}

type fixture struct {
	dir        *accounts.Directory
	templates  *templates.MemoryStore
	ledger     *ledger.Ledger
	notifier   *stubNotifier
	authorizer *Authorizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := accounts.NewDirectory()
	if _, err := dir.AddCard(accounts.NewCard{ID: "C1", Number: "4111111111111234", Type: "Visa Platinum", HolderEmail: "holder@example.com"}); err != nil {
		t.Fatalf("add card: %v", err)
	}
	if _, err := dir.AddCard(accounts.NewCard{ID: "C2", Number: "5500000000005678", Type: "Mastercard Gold", HolderEmail: "holder@example.com"}); err != nil {
		t.Fatalf("add card: %v", err)
	}
	if _, err := dir.AddUser(accounts.NewUser{ID: "A", Name: "Sarah Johnson", Email: "sarah.j@example.com", CardAccess: []string{"C1"}}); err != nil {
		t.Fatalf("add user: %v", err)
	}

	store := templates.NewMemoryStore()
	ldg := ledger.New(ledger.NewMemoryStore(), dir, zap.NewNop())
	notifier := &stubNotifier{}
	authorizer := NewAuthorizer(dir, store, ldg, notifier, zap.NewNop(), WithEnrollmentPacing(3, time.Millisecond))

	return &fixture{dir: dir, templates: store, ledger: ldg, notifier: notifier, authorizer: authorizer}
}

// noiseFrame fills a 200x200 RGB frame with a deterministic pseudo-random pattern.
func noiseFrame(seed uint32) biometric.Frame {
	const w, h, c = 200, 200, 3
	pixels := make([]byte, w*h*c)
	x := seed
	for i := range pixels {
		x = x*1103515245 + 12345
		pixels[i] = byte(x >> 16)
	}
	return biometric.Frame{Width: w, Height: h, Channels: c, Pixels: pixels}
}

// inverted returns the photographic negative of f; its feature vector is
// perfectly anti-correlated with f's.
func inverted(f biometric.Frame) biometric.Frame {
	pixels := make([]byte, len(f.Pixels))
	for i, p := range f.Pixels {
		pixels[i] = 255 - p
	}
	f.Pixels = pixels
	return f
}

func (f *fixture) enroll(t *testing.T, userID string, frame biometric.Frame) {
	t.Helper()
	res, err := f.authorizer.Enroll(context.Background(), userID, frame)
	if err != nil || !res.Success {
		t.Fatalf("enroll %s: res=%+v err=%v", userID, res, err)
	}
}

type countingSource struct {
	frame    biometric.Frame
	captured chan struct{}
	block    chan struct{}
	mu       sync.Mutex
	releases int
	err      error
}

func newCountingSource(frame biometric.Frame, blocking bool) *countingSource {
	s := &countingSource{frame: frame, captured: make(chan struct{}, 1)}
	if blocking {
		s.block = make(chan struct{})
	}
	return s
}

func (s *countingSource) CaptureFrame(ctx context.Context) (biometric.Frame, error) {
	select {
	case s.captured <- struct{}{}:
	default:
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return biometric.Frame{}, ctx.Err()
		}
	}
	if s.err != nil {
		return biometric.Frame{}, s.err
	}
	return s.frame, nil
}

func (s *countingSource) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
	return nil
}

func (s *countingSource) releaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases
}

var errCapture = errors.New("camera unplugged")
