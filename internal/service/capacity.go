package service

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/romvault/netplay-server-go/internal/errors"
	"github.com/romvault/netplay-server-go/internal/metrics"
)

// SessionCounter counts sessions that are open or active and not yet past expiry.
type SessionCounter interface {
	// LockHost serializes session creation for one host until the
	// surrounding transaction ends.
	LockHost(ctx context.Context, hostUserID string) error
	CountLive(ctx context.Context, now time.Time) (int, error)
	CountLiveByHost(ctx context.Context, hostUserID string, now time.Time) (int, error)
}

// CapacityGate enforces the per-host and global session ceilings.
type CapacityGate struct {
	maxPerHost int
	maxGlobal  int
}

func NewCapacityGate(maxPerHost, maxGlobal int) *CapacityGate {
	return &CapacityGate{maxPerHost: maxPerHost, maxGlobal: maxGlobal}
}

// Check returns nil when hostUserID may create another session. The per-host
// ceiling is a client error; the global ceiling is a capacity condition.
// Concurrent creates by one host are serialized, so the per-host count is exact.
func (g *CapacityGate) Check(ctx context.Context, counter SessionCounter, hostUserID string, now time.Time) error {
	if err := counter.LockHost(ctx, hostUserID); err != nil {
		return fmt.Errorf("lock host: %w", err)
	}

	hosted, err := counter.CountLiveByHost(ctx, hostUserID, now)
	if err != nil {
		return fmt.Errorf("count host sessions: %w", err)
	}
	if hosted >= g.maxPerHost {
		metrics.CapacityRejections.WithLabelValues("host").Inc()
		return apperrors.HostLimitExceeded(g.maxPerHost)
	}

	total, err := counter.CountLive(ctx, now)
	if err != nil {
		return fmt.Errorf("count sessions: %w", err)
	}
	if total >= g.maxGlobal {
		metrics.CapacityRejections.WithLabelValues("global").Inc()
		return apperrors.CapacityExceeded()
	}
	return nil
}

// Recheck runs after the insert in the same transaction and rejects the
// create when concurrent creates by other hosts pushed the total past the
// global ceiling.
func (g *CapacityGate) Recheck(ctx context.Context, counter SessionCounter, now time.Time) error {
	total, err := counter.CountLive(ctx, now)
	if err != nil {
		return fmt.Errorf("recount sessions: %w", err)
	}
	if total > g.maxGlobal {
		metrics.CapacityRejections.WithLabelValues("global").Inc()
		return apperrors.CapacityExceeded()
	}
	return nil
}
