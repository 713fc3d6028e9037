package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// DefaultKeyPrefix namespaces session keys.
const DefaultKeyPrefix = "websignin:session:"

// maxTxAttempts bounds the optimistic-lock retries of Update.
const maxTxAttempts = 8

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// connection URL.
	URL       string
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore shares records between instances through Redis.
//
// Updates use WATCH/MULTI so that concurrent read-modify-write cycles on the
// same record from different processes serialize; the loser re-reads and
// re-applies its update. Key TTLs follow the record's ExpiresAt.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	enc       cbor.EncMode
	now       func() time.Time
}

// storeEncMode keeps sub-second timestamps so records round-trip exactly.
var storeEncMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	// Apply defaults
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		// Close the client to prevent resource leak
		_ = client.Close()
		return nil, fmt.Errorf("%w: failed to connect to redis: %v", ErrStoreUnavailable, err)
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient creates a RedisStore with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		enc:       storeEncMode,
		now:       time.Now,
	}
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity (health check).
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(id string) string {
	return s.keyPrefix + id
}

// ttl returns the key lifetime for rec, or false if it has already expired.
func (s *RedisStore) ttl(rec *Record) (time.Duration, bool) {
	d := rec.ExpiresAt.Sub(s.now())
	if d <= 0 {
		return 0, false
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d, true
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, g getter, id string) (*Record, error) {
	data, err := g.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var rec Record
	if err := cbor.Unmarshal(data, &rec); err != nil {
		// An undecodable record is as good as absent.
		return nil, fmt.Errorf("%w: decode: %v", ErrNotFound, err)
	}
	if rec.ID != id || rec.Expired(s.now()) {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	return s.load(ctx, s.client, id)
}

func (s *RedisStore) Create(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	ttl, ok := s.ttl(rec)
	if !ok {
		return fmt.Errorf("%w: record already expired", ErrInvalidRecord)
	}
	data, err := s.enc.Marshal(rec)
	if err != nil {
		return err
	}

	// Use SetNX for atomic check-and-set to prevent race conditions.
	created, err := s.client.SetNX(ctx, s.key(rec.ID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !created {
		return fmt.Errorf("%w: id already in use", ErrConflict)
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, id string, fn UpdateFunc) (*Record, error) {
	key := s.key(id)
	var (
		out   *Record
		fnErr error
	)
	txf := func(tx *redis.Tx) error {
		rec, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := applyUpdate(rec, fn); err != nil {
			fnErr = err
			return err
		}
		data, err := s.enc.Marshal(rec)
		if err != nil {
			fnErr = err
			return err
		}
		ttl, ok := s.ttl(rec)
		if !ok {
			return ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		if err == nil {
			out = rec
		}
		return err
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		fnErr = nil
		err := s.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, redis.TxFailedErr):
			// Another writer touched the key between WATCH and EXEC.
			continue
		case fnErr != nil, errors.Is(err, ErrNotFound), errors.Is(err, ErrStoreUnavailable):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return nil, fmt.Errorf("%w: too many concurrent updates", ErrConflict)
}

func (s *RedisStore) Destroy(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
