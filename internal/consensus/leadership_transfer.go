package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/raft"
)

// LeadershipRotator periodically hands leadership to another replica so no
// single node stays the sole submission point for registry mutations.
type LeadershipRotator struct {
	node     *Node
	interval time.Duration
	stopCh   chan struct{}
	logger   *slog.Logger
}

func NewLeadershipRotator(node *Node, interval time.Duration, logger *slog.Logger) *LeadershipRotator {
	if logger == nil {
		logger = slog.Default()
	}

	return &LeadershipRotator{
		node:     node,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   logger,
	}
}

func (r *LeadershipRotator) Start(ctx context.Context) error {
	if r.interval <= 0 {
		return fmt.Errorf("invalid interval: %v", r.interval)
	}

	r.logger.Info("leadership rotator started", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.rotate(); err != nil {
				r.logger.Error("leadership transfer failed", "error", err)
			}
		case <-r.stopCh:
			r.logger.Info("leadership rotator stopped")
			return nil
		case <-ctx.Done():
			r.logger.Info("leadership rotator stopped due to context cancellation")
			return ctx.Err()
		}
	}
}

func (r *LeadershipRotator) rotate() error {
	if r.node.raft == nil || r.node.raft.State() != raft.Leader {
		return nil
	}

	r.logger.Info("initiating leadership transfer", "current_leader", r.node.config.NodeID)

	if err := r.node.TransferLeadership(); err != nil {
		return err
	}

	time.Sleep(500 * time.Millisecond)

	r.logger.Info("leadership transferred",
		"old_leader", r.node.config.NodeID,
		"new_leader", r.node.Leader(),
	)

	return nil
}

func (r *LeadershipRotator) Stop() {
	close(r.stopCh)
}
