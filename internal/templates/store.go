// Package templates keeps one enrolled biometric template per user.
package templates

import (
	"context"
	"time"

	"github.com/example/biocard/internal/biometric"
)

// Template is the enrolled feature vector of a single user.
type Template struct {
	OwnerID    string                  `cbor:"1,keyasint"`
	Vector     biometric.FeatureVector `cbor:"2,keyasint"`
	EnrolledAt time.Time               `cbor:"3,keyasint"`
}

// Store is the template lifecycle used by enrollment and verification.
// Enroll overwrites, Remove is idempotent and a miss from Get is not an error.
type Store interface {
	Enroll(ctx context.Context, userID string, vector biometric.FeatureVector) (Template, error)
	Get(ctx context.Context, userID string) (Template, bool, error)
	Remove(ctx context.Context, userID string) error
	Count(ctx context.Context) (int, error)
	Reset(ctx context.Context) error
}
