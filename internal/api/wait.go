package api

import (
	"context"
	"errors"
	"time"

	"github.com/szaher/vastctl/internal/poll"
	"github.com/szaher/vastctl/internal/telemetry"
)

// DefaultDestroyGrace is how long a missing instance counts as not yet
// listed before a wait gives up on it.
const DefaultDestroyGrace = 20 * time.Second

// Default wait settings per target.
var (
	RunningWait   = poll.Config{Interval: 60 * time.Second, Timeout: 600 * time.Second, DestroyGrace: DefaultDestroyGrace}
	StoppedWait   = poll.Config{Interval: 15 * time.Second, Timeout: 300 * time.Second, DestroyGrace: DefaultDestroyGrace}
	DestroyedWait = poll.Config{Interval: 10 * time.Second, Timeout: 60 * time.Second, DestroyGrace: DefaultDestroyGrace}
)

// StoppedStatuses are the statuses a stopped instance reports.
var StoppedStatuses = []string{"exited", "stopped"}

// Wait outcomes recorded in metrics.
const (
	outcomeReached       = "reached"
	outcomeGone          = "gone"
	outcomeTimeout       = "timeout"
	outcomeUnrecoverable = "unrecoverable"
	outcomeCanceled      = "canceled"
	outcomeError         = "error"
)

// WaitUntilRunning waits for instance id to report "running". Zero fields
// in cfg take their value from RunningWait.
func (c *Client) WaitUntilRunning(ctx context.Context, id int64, cfg poll.Config) (*Instance, error) {
	return c.WaitUntil(ctx, id, poll.Status(StateRunning), withDefaults(cfg, RunningWait))
}

// WaitUntilStopped waits for instance id to report "exited" or "stopped".
// Zero fields in cfg take their value from StoppedWait.
func (c *Client) WaitUntilStopped(ctx context.Context, id int64, cfg poll.Config) (*Instance, error) {
	return c.WaitUntil(ctx, id, poll.AnyOf(StoppedStatuses...), withDefaults(cfg, StoppedWait))
}

// WaitUntilDestroyed waits for instance id to disappear from the listing.
// Zero fields in cfg take their value from DestroyedWait.
func (c *Client) WaitUntilDestroyed(ctx context.Context, id int64, cfg poll.Config) error {
	_, err := c.WaitUntil(ctx, id, poll.Gone(), withDefaults(cfg, DestroyedWait))
	return err
}

// WaitUntil polls the instance list until instance id satisfies target. It
// returns the instance as last fetched, or nil when the instance was absent
// once cfg.DestroyGrace had passed. cfg is used as given.
func (c *Client) WaitUntil(ctx context.Context, id int64, target poll.Target, cfg poll.Config) (*Instance, error) {
	if cfg.Clock == nil {
		cfg.Clock = c.clock
	}
	label := target.String()
	logger := telemetry.InstanceLogger(c.logger, ctx, id)

	observe := cfg.OnSnapshot
	cfg.OnSnapshot = func(s poll.Snapshot) {
		logger.DebugContext(ctx, "instance status", "status", s.Status, "message", s.Message, "target", label)
		if observe != nil {
			observe(s)
		}
	}

	fetch := func(ctx context.Context, id int64) (poll.Snapshot, bool, error) {
		c.metrics.RecordPollFetch(label)
		in, found, err := c.GetInstance(ctx, id)
		if err != nil || !found {
			return poll.Snapshot{}, false, err
		}
		return in.Snapshot(), true, nil
	}

	logger.InfoContext(ctx, "waiting for instance",
		"target", label, "interval", cfg.Interval, "timeout", cfg.Timeout)
	snap, err := poll.Wait(ctx, id, fetch, target, cfg)
	c.metrics.RecordWait(label, waitOutcome(snap, err))
	if err != nil {
		return nil, err
	}
	if snap == nil {
		logger.InfoContext(ctx, "instance gone")
		return nil, nil
	}

	logger.InfoContext(ctx, "instance reached status", "status", snap.Status)
	in, ok := c.cache.Get(id)
	if !ok {
		return &Instance{ID: snap.ID, ActualStatus: snap.Status, StatusMsg: snap.Message}, nil
	}
	return &in, nil
}

func waitOutcome(snap *poll.Snapshot, err error) string {
	var (
		timeoutErr       *poll.TimeoutError
		unrecoverableErr *poll.UnrecoverableStateError
	)
	switch {
	case err == nil && snap == nil:
		return outcomeGone
	case err == nil:
		return outcomeReached
	case errors.As(err, &timeoutErr):
		return outcomeTimeout
	case errors.As(err, &unrecoverableErr):
		return outcomeUnrecoverable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return outcomeCanceled
	}
	return outcomeError
}

func withDefaults(cfg, def poll.Config) poll.Config {
	if cfg.Interval == 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.DestroyGrace == 0 {
		cfg.DestroyGrace = def.DestroyGrace
	}
	return cfg
}
