package store

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/developer-mesh/gridsync/pkg/observability"
)

// RedisConfig represents the configuration for the Redis store
type RedisConfig struct {
	Addresses  []string `mapstructure:"addresses"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	DB         int      `mapstructure:"db"`
	MaxRetries int      `mapstructure:"max_retries"`

	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ConnectTimeout bounds the initial ping retries.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	TLSEnabled bool        `mapstructure:"tls_enabled"`
	TLSConfig  *tls.Config `mapstructure:"-"`

	PoolSize     int `mapstructure:"pool_size"`
	MinIdleConns int `mapstructure:"min_idle_conns"`

	ClusterEnabled   bool     `mapstructure:"cluster_enabled"`
	SentinelEnabled  bool     `mapstructure:"sentinel_enabled"`
	MasterName       string   `mapstructure:"master_name"`
	SentinelAddrs    []string `mapstructure:"sentinel_addrs"`
	SentinelPassword string   `mapstructure:"sentinel_password"`

	// PayloadCacheSize is the number of operation payloads kept in memory.
	PayloadCacheSize int `mapstructure:"payload_cache_size"`
	// WriteRetries bounds optimistic retries of unconditional writes.
	WriteRetries int `mapstructure:"write_retries"`
}

// DefaultRedisConfig returns a default configuration for the Redis store
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addresses:        []string{"localhost:6379"},
		MaxRetries:       3,
		DialTimeout:      5 * time.Second,
		ReadTimeout:      3 * time.Second,
		WriteTimeout:     3 * time.Second,
		ConnectTimeout:   30 * time.Second,
		PoolSize:         10,
		MinIdleConns:     2,
		PayloadCacheSize: 1024,
		WriteRetries:     5,
	}
}

// RedisStore implements Store on Redis. Compare-and-swap uses WATCH/MULTI;
// notifications use PUBLISH inside the same transaction. Every path carries a
// version key so subscribers can discard notifications older than the value
// they were primed with.
type RedisStore struct {
	client   redis.UniversalClient
	logger   observability.Logger
	payloads *lru.Cache[string, []byte]
	reads    singleflight.Group
	retries  int

	mu     sync.Mutex
	closed bool
}

// NewRedisStore connects to Redis, retrying the initial ping with
// exponential backoff for up to cfg.ConnectTimeout.
func NewRedisStore(ctx context.Context, cfg *RedisConfig, logger observability.Logger) (*RedisStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	client, err := newUniversalClient(cfg)
	if err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = cfg.ConnectTimeout
	attempt := 0
	ping := func() error {
		attempt++
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warnf("Redis ping failed (attempt %d): %v", attempt, err)
			return err
		}
		return nil
	}
	if err := backoff.Retry(ping, backoff.WithContext(b, ctx)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStoreFromClient(client, cfg, logger)
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient, cfg *RedisConfig, logger observability.Logger) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	size := cfg.PayloadCacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create payload cache: %w", err)
	}
	retries := cfg.WriteRetries
	if retries <= 0 {
		retries = 5
	}
	return &RedisStore{
		client:   client,
		logger:   logger.WithPrefix("redis-store"),
		payloads: cache,
		retries:  retries,
	}, nil
}

func newUniversalClient(cfg *RedisConfig) (redis.UniversalClient, error) {
	tlsConfig := cfg.TLSConfig
	if cfg.TLSEnabled && tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	switch {
	case cfg.SentinelEnabled:
		if len(cfg.SentinelAddrs) == 0 {
			return nil, fmt.Errorf("no Sentinel addresses configured")
		}
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       cfg.MasterName,
			SentinelAddrs:    cfg.SentinelAddrs,
			SentinelPassword: cfg.SentinelPassword,
			Username:         cfg.Username,
			Password:         cfg.Password,
			DB:               cfg.DB,
			MaxRetries:       cfg.MaxRetries,
			DialTimeout:      cfg.DialTimeout,
			ReadTimeout:      cfg.ReadTimeout,
			WriteTimeout:     cfg.WriteTimeout,
			PoolSize:         cfg.PoolSize,
			MinIdleConns:     cfg.MinIdleConns,
			TLSConfig:        tlsConfig,
		}), nil
	case cfg.ClusterEnabled:
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Addresses,
			Username:     cfg.Username,
			Password:     cfg.Password,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			TLSConfig:    tlsConfig,
		}), nil
	default:
		if len(cfg.Addresses) == 0 {
			return nil, fmt.Errorf("no Redis address configured")
		}
		return redis.NewClient(&redis.Options{
			Addr:         cfg.Addresses[0],
			Username:     cfg.Username,
			Password:     cfg.Password,
			DB:           cfg.DB,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			TLSConfig:    tlsConfig,
		}), nil
	}
}

// Ping checks connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Client returns the underlying Redis client
func (r *RedisStore) Client() redis.UniversalClient {
	return r.client
}

type readResult struct {
	value  []byte
	exists bool
}

// Read returns the value at path. Operation payloads are write-once and are
// served from the payload cache after the first read.
func (r *RedisStore) Read(ctx context.Context, path string) ([]byte, bool, error) {
	if r.isClosed() {
		return nil, false, ErrClosed
	}
	if v, ok := r.payloads.Get(path); ok {
		return clone(v), true, nil
	}

	res, err, _ := r.reads.Do(path, func() (interface{}, error) {
		v, err := r.client.Get(ctx, path).Bytes()
		if errors.Is(err, redis.Nil) {
			return readResult{}, nil
		}
		if err != nil {
			return nil, err
		}
		r.remember(path, v)
		return readResult{value: v, exists: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	rr := res.(readResult)
	return clone(rr.value), rr.exists, nil
}

// Write overwrites path, retrying when a concurrent writer bumps its version.
func (r *RedisStore) Write(ctx context.Context, path string, value []byte) error {
	if r.isClosed() {
		return ErrClosed
	}
	for attempt := 0; attempt < r.retries; attempt++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			ver, err := tx.Get(ctx, versionKey(path)).Int64()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				queueSet(ctx, pipe, path, value, ver+1)
				return nil
			})
			return err
		}, versionKey(path))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return err
		}
		r.remember(path, value)
		return nil
	}
	return fmt.Errorf("write %s: gave up after %d contended attempts", path, r.retries)
}

// CompareAndSwap watches paths, hands their values to fn and commits its
// writes in one MULTI. Writes must target watched paths.
func (r *RedisStore) CompareAndSwap(ctx context.Context, paths []string, fn UpdateFunc) (bool, error) {
	if r.isClosed() {
		return false, ErrClosed
	}
	keys := make([]string, 0, 2*len(paths))
	for _, p := range paths {
		keys = append(keys, p, versionKey(p))
	}

	var written map[string][]byte
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		vals, err := tx.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		current := make(map[string][]byte, len(paths))
		versions := make(map[string]int64, len(paths))
		for i, p := range paths {
			if s, ok := vals[2*i].(string); ok {
				current[p] = []byte(s)
			}
			if s, ok := vals[2*i+1].(string); ok {
				versions[p], _ = strconv.ParseInt(s, 10, 64)
			}
		}

		writes, err := fn(current)
		if err != nil {
			return err
		}
		for p := range writes {
			if !contains(paths, p) {
				return fmt.Errorf("compare-and-swap writes unwatched path %s", p)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for p, v := range writes {
				queueSet(ctx, pipe, p, v, versions[p]+1)
			}
			return nil
		})
		if err != nil {
			return err
		}
		written = writes
		return nil
	}, keys...)

	switch {
	case errors.Is(err, ErrAbort), errors.Is(err, redis.TxFailedErr):
		return false, nil
	case err != nil:
		return false, err
	}
	for p, v := range written {
		r.remember(p, v)
	}
	return true, nil
}

// Subscribe primes the subscription with the current value and then relays
// published changes newer than it.
func (r *RedisStore) Subscribe(ctx context.Context, path string) (Subscription, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	ps := r.client.Subscribe(ctx, path)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", path, err)
	}

	vals, err := r.client.MGet(ctx, path, versionKey(path)).Result()
	if err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("prime subscription %s: %w", path, err)
	}
	initial := Event{Path: path}
	if s, ok := vals[0].(string); ok {
		initial.Value = []byte(s)
		initial.Exists = true
	}
	var version int64
	if s, ok := vals[1].(string); ok {
		version, _ = strconv.ParseInt(s, 10, 64)
	}

	sub := &redisSub{
		ps:     ps,
		path:   path,
		logger: r.logger,
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	go sub.run(initial, version)
	return sub, nil
}

// Close closes the Redis client.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}

func (r *RedisStore) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *RedisStore) remember(path string, value []byte) {
	if IsOp(path) {
		r.payloads.Add(path, clone(value))
	}
}

type redisSub struct {
	ps     *redis.PubSub
	path   string
	logger observability.Logger
	out    chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *redisSub) run(initial Event, version int64) {
	defer close(s.out)
	if !s.send(initial) {
		return
	}
	ch := s.ps.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ver, value, err := decodeEnvelope(msg.Payload)
			if err != nil {
				s.logger.Warn("Dropping malformed notification", map[string]interface{}{
					"path":  s.path,
					"error": err.Error(),
				})
				continue
			}
			if ver <= version {
				continue
			}
			version = ver
			if !s.send(Event{Path: s.path, Value: value, Exists: true}) {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *redisSub) send(ev Event) bool {
	select {
	case s.out <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *redisSub) Events() <-chan Event { return s.out }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func queueSet(ctx context.Context, pipe redis.Pipeliner, path string, value []byte, version int64) {
	pipe.Set(ctx, path, value, 0)
	pipe.Set(ctx, versionKey(path), version, 0)
	pipe.Publish(ctx, path, encodeEnvelope(version, value))
}

func versionKey(path string) string {
	return path + "#v"
}

func encodeEnvelope(version int64, value []byte) string {
	return strconv.FormatInt(version, 10) + "|" + string(value)
}

func decodeEnvelope(payload string) (int64, []byte, error) {
	i := strings.IndexByte(payload, '|')
	if i < 0 {
		return 0, nil, fmt.Errorf("missing version separator")
	}
	ver, err := strconv.ParseInt(payload[:i], 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid version: %w", err)
	}
	return ver, []byte(payload[i+1:]), nil
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
