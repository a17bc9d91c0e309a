package store

import (
	"context"

	"go.uber.org/zap"
)

// notification carries one snapshot to one subscriber. Partitioning by handle
// keeps per-subscriber delivery ordered while distinct subscribers proceed in
// parallel across the notifier workers. cycle identifies the propagation the
// snapshot belongs to, so completion is reported against the right barrier.
type notification struct {
	handle   string
	fn       func(snapshot any)
	snapshot any
	cycle    uint64
}

func (n notification) PartitionKey() string {
	return n.handle
}

// propagate opens a fresh tracker cycle, fans the snapshot out to every
// current subscriber, and, when AwaitStatePropagation is enabled, suspends
// until all of them have reacted to this cycle or the barrier times out.
// A timeout is reported but the snapshot remains installed.
func (s *Store) propagate(ctx context.Context, snapshot any) error {
	// The cycle opens before the subscriber snapshot: a handle subscribing
	// after this point joins the next cycle and cannot gate this one.
	cycle := s.tracker.Reset()

	s.subMu.Lock()
	pending := make([]notification, 0, len(s.subs))
	for handle, fn := range s.subs {
		pending = append(pending, notification{handle: handle, fn: fn, snapshot: snapshot, cycle: cycle})
	}
	s.subMu.Unlock()

	for _, n := range pending {
		select {
		case s.notifier.ChannelOf(n) <- n:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.notifyCtx.Done():
			return s.notifyCtx.Err()
		}
	}

	if !s.settings.AwaitStatePropagation {
		return nil
	}
	if err := s.tracker.AllExecuted(ctx, cycle); err != nil {
		s.logger.Warn("propagation barrier did not resolve; snapshot stays installed",
			zap.Error(err))
		return err
	}
	return nil
}

// handleNotification runs one subscriber callback on a notifier worker and
// reports completion of its cycle to the tracker. A panicking subscriber is
// logged and still counted as having reacted, so it cannot wedge the barrier.
func (s *Store) handleNotification(_ context.Context, n notification) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscriber panicked",
				zap.String("handle", n.handle),
				zap.Any("error", r))
		}
		s.tracker.SetStatus(n.handle, n.cycle, true)
	}()
	n.fn(n.snapshot)
}
