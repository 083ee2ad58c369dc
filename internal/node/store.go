package node

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/falcon-scheduler/internal/clock"
	"github.com/ChuLiYu/falcon-scheduler/internal/coordination"
	"github.com/ChuLiYu/falcon-scheduler/internal/datastore"
	"github.com/ChuLiYu/falcon-scheduler/internal/datastore/memstore"
	"github.com/ChuLiYu/falcon-scheduler/internal/datastore/sqlstore"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Coordination modes.
const (
	CoordinationNone   = "none"
	CoordinationStatic = "static"
	CoordinationLease  = "lease"
)

// Store is what both adapters provide: the job store and the membership
// lease table.
type Store interface {
	datastore.Datastore
	coordination.MemberStore
}

// StoreConfig selects and configures the datastore adapter.
type StoreConfig struct {
	Driver string // memory (default) or sqlite

	// sqlite
	Path         string
	PollInterval time.Duration

	// memory
	SnapshotPath     string
	SnapshotInterval time.Duration
}

// OpenStore opens the configured adapter.
func OpenStore(ctx context.Context, cfg StoreConfig, clk clock.Clock, logger *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		s, err := memstore.New(memstore.Config{Clock: clk, Logger: logger, SnapshotPath: cfg.SnapshotPath})
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverSQLite:
		s, err := sqlstore.Open(ctx, sqlstore.Config{
			Path:         cfg.Path,
			PollInterval: cfg.PollInterval,
			Clock:        clk,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// CoordinationConfig selects how the node learns its position in the
// cluster.
type CoordinationConfig struct {
	Mode string // none (default), static or lease

	// static
	NodeIndex   int
	ClusterSize int

	// lease
	LeaseTTL      time.Duration
	LeaseInterval time.Duration
}

// OpenClient builds the coordination client. Mode none returns nil, which
// makes every component own the whole job space.
func OpenClient(ctx context.Context, cfg CoordinationConfig, members coordination.MemberStore,
	clk clock.Clock, logger *slog.Logger) (coordination.Client, error) {
	switch cfg.Mode {
	case "", CoordinationNone:
		return nil, nil
	case CoordinationStatic:
		if cfg.ClusterSize < 1 || cfg.NodeIndex < 0 || cfg.NodeIndex >= cfg.ClusterSize {
			return nil, fmt.Errorf("%w: static node index %d outside cluster of %d",
				ErrInvalidConfig, cfg.NodeIndex, cfg.ClusterSize)
		}
		return coordination.NewStatic(cfg.NodeIndex, cfg.ClusterSize), nil
	case CoordinationLease:
		c, err := coordination.NewLeaseClient(ctx, coordination.LeaseConfig{
			Store:    members,
			TTL:      cfg.LeaseTTL,
			Interval: cfg.LeaseInterval,
			Clock:    clk,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: unknown coordination mode %q", ErrInvalidConfig, cfg.Mode)
	}
}
