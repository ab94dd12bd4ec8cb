package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/mbd888/taintguard/internal/circuitbreaker"
	"github.com/mbd888/taintguard/internal/retry"
)

// MethodVerifySession is the directory's JSON-RPC method. It takes the
// session token and returns {"adminId", "name"}, or a JSON-RPC error when
// the session is unknown or expired.
const MethodVerifySession = "admin_verifySession"

const (
	defaultRemoteTimeout = 5 * time.Second
	defaultSessionTTL    = 30 * time.Second
)

var ErrDirectoryUnavailable = errors.New("admin directory unavailable")

type cachedSession struct {
	admin   Admin
	expires time.Time
}

// RemoteDirectory verifies sessions against the node's admin system over
// JSON-RPC. Verified sessions are cached briefly; rejections are not.
type RemoteDirectory struct {
	client  *rpc.Client
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	timeout time.Duration
	ttl     time.Duration
	clock   clock.Clock
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedSession
}

// DialRemote connects to the directory at url.
func DialRemote(ctx context.Context, url string, logger *slog.Logger) (*RemoteDirectory, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to admin directory: %w", err)
	}
	return NewRemote(client, logger), nil
}

// NewRemote wraps an existing client.
func NewRemote(client *rpc.Client, logger *slog.Logger) *RemoteDirectory {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteDirectory{
		client:  client,
		breaker: circuitbreaker.New(5, 30*time.Second),
		policy:  retry.Policy{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
		timeout: defaultRemoteTimeout,
		ttl:     defaultSessionTTL,
		clock:   clock.NewDefaultClock(),
		logger:  logger,
		cache:   make(map[string]cachedSession),
	}
}

func (d *RemoteDirectory) WithClock(c clock.Clock) *RemoteDirectory {
	d.clock = c
	return d
}

// Close releases the underlying connection.
func (d *RemoteDirectory) Close() {
	d.client.Close()
}

func (d *RemoteDirectory) Resolve(ctx context.Context, token string) (*Admin, error) {
	if token == "" {
		return nil, ErrNoSession
	}
	key := hashToken(token)
	now := d.clock.Now()

	d.mu.Lock()
	if c, ok := d.cache[key]; ok {
		if now.Before(c.expires) {
			d.mu.Unlock()
			a := c.admin
			return &a, nil
		}
		delete(d.cache, key)
	}
	d.mu.Unlock()

	if !d.breaker.Allow(MethodVerifySession) {
		return nil, fmt.Errorf("%w: circuit open", ErrDirectoryUnavailable)
	}

	var res *Admin
	err := d.policy.Do(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		err := d.client.CallContext(callCtx, &res, MethodVerifySession, token)
		var rerr rpc.Error
		if errors.As(err, &rerr) {
			return retry.Permanent(ErrInvalidSession)
		}
		return err
	})

	switch {
	case errors.Is(err, ErrInvalidSession):
		d.breaker.RecordSuccess(MethodVerifySession)
		return nil, ErrInvalidSession
	case err != nil:
		d.breaker.RecordFailure(MethodVerifySession)
		d.logger.Warn("admin directory call failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	d.breaker.RecordSuccess(MethodVerifySession)
	if res == nil || res.ID == "" {
		return nil, ErrInvalidSession
	}

	d.mu.Lock()
	d.cache[key] = cachedSession{admin: *res, expires: now.Add(d.ttl)}
	d.mu.Unlock()
	out := *res
	return &out, nil
}
