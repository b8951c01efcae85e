package verifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"vigil/internal/principal/ident"
	"vigil/internal/principal/models"
	"vigil/internal/principal/store"
	"vigil/internal/platform/sentinel"
)

const (
	emailKeyPrefix = "verify:email:"
	codeKeyPrefix  = "verify:code:"
)

// RedisStore keeps verification entries in Redis with the code expiry mapped
// onto key TTLs. Expired entries disappear on their own, so PurgeExpired is a
// no-op and an expired code can never be consumed.
type RedisStore struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func emailKey(email string) string { return emailKeyPrefix + email }
func codeKey(code uint64) string   { return codeKeyPrefix + strconv.FormatUint(code, 10) }

func (s *RedisStore) Create(ctx context.Context, email string, now uint32, suppressIfExists bool) (*models.VerificationEntry, error) {
	if suppressIfExists {
		n, err := s.client.Exists(ctx, emailKey(email)).Result()
		if err != nil {
			return nil, fmt.Errorf("check existing verification: %w", err)
		}
		if n > 0 {
			return nil, nil
		}
	}

	code, err := ident.NewCode(ctx, func(ctx context.Context, candidate uint64) (bool, error) {
		n, err := s.client.Exists(ctx, codeKey(candidate)).Result()
		if err != nil {
			return false, fmt.Errorf("check verification code: %w", err)
		}
		return n > 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("create verification: %w", err)
	}

	entry := models.VerificationEntry{Email: email, Code: code, Expires: now + store.VerificationTTL}
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal verification: %w", err)
	}

	ttl := store.VerificationTTL * time.Second
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, emailKey(email), payload, ttl)
		pipe.Set(ctx, codeKey(code), email, ttl)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store verification: %w", err)
	}
	return &entry, nil
}

func (s *RedisStore) GetByEmail(ctx context.Context, email string) (*models.VerificationEntry, error) {
	payload, err := s.client.Get(ctx, emailKey(email)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("verification by email: %w", err)
	}
	var entry models.VerificationEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal verification: %w", err)
	}
	return &entry, nil
}

// ConsumeByCode deletes both keys under WATCH so two concurrent verify calls
// cannot both succeed with the same code.
func (s *RedisStore) ConsumeByCode(ctx context.Context, code uint64, now uint32) (string, error) {
	var email string
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		var err error
		email, err = tx.Get(ctx, codeKey(code)).Result()
		if errors.Is(err, redis.Nil) {
			return sentinel.ErrNotFound
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, codeKey(code))
			pipe.Del(ctx, emailKey(email))
			return nil
		})
		return err
	}, codeKey(code))
	if errors.Is(err, sentinel.ErrNotFound) || errors.Is(err, redis.TxFailedErr) {
		return "", fmt.Errorf("verification code: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("consume verification: %w", err)
	}
	return email, nil
}

// PurgeExpired is a no-op: Redis TTLs already reclaim expired entries.
func (s *RedisStore) PurgeExpired(ctx context.Context, now uint32) error {
	return nil
}
