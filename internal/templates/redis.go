package templates

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-redis/redis/v8"

	"github.com/example/biocard/internal/biometric"
	"github.com/example/biocard/internal/logging"
)

const (
	templateKeyPrefix = "template:"
	templateIndexKey  = "templates:index"
)

// RedisStore persists templates as CBOR documents, one key per user plus an
// index set used for Count and Reset. Each user's key is written atomically so
// a reader never observes a partially replaced template.
type RedisStore struct {
	client redis.Cmdable
	enc    cbor.EncMode
	now    func() time.Time
}

// NewRedisStore wraps a go-redis client.
func NewRedisStore(client redis.Cmdable) (*RedisStore, error) {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("templates: build cbor encoder: %w", err)
	}
	return &RedisStore{
		client: client,
		enc:    enc,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func templateKey(userID string) string {
	return templateKeyPrefix + userID
}

// Enroll replaces userID's template.
func (s *RedisStore) Enroll(ctx context.Context, userID string, vector biometric.FeatureVector) (Template, error) {
	tpl := Template{OwnerID: userID, Vector: vector.Clone(), EnrolledAt: s.now()}
	payload, err := s.enc.Marshal(tpl)
	if err != nil {
		return Template{}, logging.NewOperationError("templates.encode", userID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, templateKey(userID), payload, 0)
		pipe.SAdd(ctx, templateIndexKey, userID)
		return nil
	})
	if err != nil {
		return Template{}, logging.NewOperationError("templates.enroll", userID, err)
	}
	return tpl, nil
}

// Get loads userID's template; a missing key reports ok=false.
func (s *RedisStore) Get(ctx context.Context, userID string) (Template, bool, error) {
	raw, err := s.client.Get(ctx, templateKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Template{}, false, nil
	}
	if err != nil {
		return Template{}, false, logging.NewOperationError("templates.get", userID, err)
	}

	var tpl Template
	if err := cbor.Unmarshal(raw, &tpl); err != nil {
		return Template{}, false, logging.NewOperationError("templates.decode", userID, err)
	}
	return tpl, true, nil
}

// Remove deletes userID's template; deleting a missing key is fine.
func (s *RedisStore) Remove(ctx context.Context, userID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, templateKey(userID))
		pipe.SRem(ctx, templateIndexKey, userID)
		return nil
	})
	return logging.NewOperationError("templates.remove", userID, err)
}

// Count returns the size of the index set.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, templateIndexKey).Result()
	if err != nil {
		return 0, logging.NewOperationError("templates.count", "", err)
	}
	return int(n), nil
}

// Reset removes every indexed template.
func (s *RedisStore) Reset(ctx context.Context) error {
	ids, err := s.client.SMembers(ctx, templateIndexKey).Result()
	if err != nil {
		return logging.NewOperationError("templates.reset", "", err)
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, templateKey(id))
	}
	keys = append(keys, templateIndexKey)
	return logging.NewOperationError("templates.reset", "", s.client.Del(ctx, keys...).Err())
}
