package coordination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/falcon-scheduler/internal/clock"
	"github.com/ChuLiYu/falcon-scheduler/internal/stream"
	"github.com/ChuLiYu/falcon-scheduler/pkg/types"
)

// ErrLeaseExpired is returned by MemberStore.Renew when the lease is gone.
var ErrLeaseExpired = errors.New("coordination: lease expired")

// MemberStore persists membership leases shared by every node.
type MemberStore interface {
	// Register creates a lease and returns its sequence name. Names sort in
	// registration order.
	Register(ctx context.Context, expiresAt time.Time) (string, error)
	// Renew extends a live lease or fails with ErrLeaseExpired.
	Renew(ctx context.Context, name string, expiresAt time.Time) error
	// LiveMembers lists names whose lease has not expired at now.
	LiveMembers(ctx context.Context, now time.Time) ([]string, error)
	// Release drops the lease.
	Release(ctx context.Context, name string) error
}

// LeaseConfig configures a LeaseClient.
type LeaseConfig struct {
	Store    MemberStore
	TTL      time.Duration
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

func (c LeaseConfig) withDefaults() LeaseConfig {
	if c.TTL <= 0 {
		c.TTL = 15 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = c.TTL / 3
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("component", "coordination")
	return c
}

// LeaseClient keeps a membership lease alive in a MemberStore and derives
// this node's position from the live lease set on every heartbeat.
type LeaseClient struct {
	cfg LeaseConfig
	l   listeners

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	name   string
	timer  clock.Timer
	closed bool
	wg     sync.WaitGroup
}

// NewLeaseClient registers a lease and starts heartbeating.
func NewLeaseClient(ctx context.Context, cfg LeaseConfig) (*LeaseClient, error) {
	if cfg.Store == nil {
		return nil, errors.New("coordination: lease client needs a member store")
	}
	cfg = cfg.withDefaults()

	name, err := cfg.Store.Register(ctx, cfg.Clock.Now().Add(cfg.TTL))
	if err != nil {
		return nil, fmt.Errorf("register lease: %w", err)
	}
	c := &LeaseClient{cfg: cfg, name: name}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	cfg.Logger.Info("lease registered", "member", name, "ttl", cfg.TTL)

	c.tick()
	return c, nil
}

// Name returns the current lease name. It changes if the lease expired and
// had to be re-registered.
func (c *LeaseClient) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// GetClusterNodeInformation subscribes fn and replays the last known position.
func (c *LeaseClient) GetClusterNodeInformation(fn func(types.NodeInformation)) (stream.Subscription, error) {
	sub, current, err := c.l.add(fn)
	if err != nil {
		return nil, err
	}
	if current != nil {
		fn(*current)
	}
	return sub, nil
}

func (c *LeaseClient) tick() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	name := c.name
	c.mu.Unlock()
	defer c.wg.Done()

	if err := c.heartbeat(name); err != nil && c.ctx.Err() == nil {
		c.cfg.Logger.Warn("heartbeat failed", "member", name, "error", err)
	}

	c.mu.Lock()
	if !c.closed {
		c.timer = c.cfg.Clock.AfterFunc(c.cfg.Interval, c.tick)
	}
	c.mu.Unlock()
}

func (c *LeaseClient) heartbeat(name string) error {
	now := c.cfg.Clock.Now()
	err := c.cfg.Store.Renew(c.ctx, name, now.Add(c.cfg.TTL))
	if errors.Is(err, ErrLeaseExpired) {
		fresh, rerr := c.cfg.Store.Register(c.ctx, now.Add(c.cfg.TTL))
		if rerr != nil {
			return fmt.Errorf("re-register lease: %w", rerr)
		}
		c.cfg.Logger.Warn("lease expired, re-registered", "old", name, "member", fresh)
		c.mu.Lock()
		c.name = fresh
		c.mu.Unlock()
		name = fresh
	} else if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}

	members, err := c.cfg.Store.LiveMembers(c.ctx, now)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	info, err := IndexOf(members, name)
	if err != nil {
		return err
	}
	c.l.publish(info)
	return nil
}

// Close stops heartbeating and releases the lease. Idempotent.
func (c *LeaseClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	name := c.name
	c.mu.Unlock()

	c.l.close()
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.cfg.Store.Release(ctx, name); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
