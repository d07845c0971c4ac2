// Package poll waits for a remote instance to reach a target status.
//
// Wait repeatedly fetches a Snapshot of the instance until its status matches
// the Target, the instance reports an unrecoverable setup failure, the
// instance stays absent past a grace period, or the timeout elapses. Each
// iteration is one blocking fetch followed by one blocking sleep; context
// cancellation is checked at every iteration boundary.
package poll

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// UnhandledSetupPrefix marks a status message reporting a provisioning
// failure the service will not recover from.
const UnhandledSetupPrefix = "Unhandled setup error"

// Snapshot is a single point-in-time read of an instance's status.
type Snapshot struct {
	ID      int64
	Status  string
	Message string
}

// Target is the set of statuses that satisfy a wait. The empty target means
// "wait until the instance no longer exists".
type Target struct {
	statuses []string
}

// Status returns a target satisfied by a single status.
func Status(s string) Target {
	return Target{statuses: []string{s}}
}

// AnyOf returns a target satisfied by any of the given statuses.
func AnyOf(statuses ...string) Target {
	return Target{statuses: append([]string(nil), statuses...)}
}

// Gone returns the empty target, satisfied only when the instance is absent.
func Gone() Target {
	return Target{}
}

// IsGone reports whether t is the empty target.
func (t Target) IsGone() bool {
	return len(t.statuses) == 0
}

// Matches reports whether status satisfies t, ignoring case. The empty
// target never matches a status.
func (t Target) Matches(status string) bool {
	if status == "" {
		return false
	}
	for _, s := range t.statuses {
		if strings.EqualFold(s, status) {
			return true
		}
	}
	return false
}

// Statuses returns a copy of the target's statuses.
func (t Target) Statuses() []string {
	return append([]string(nil), t.statuses...)
}

func (t Target) String() string {
	if t.IsGone() {
		return "[]"
	}
	if len(t.statuses) == 1 {
		return t.statuses[0]
	}
	return "[" + strings.Join(t.statuses, ",") + "]"
}

// FetchFunc reads the current state of instance id. It returns found=false,
// with a nil error, when the instance does not exist. It must be safe to call
// repeatedly.
type FetchFunc func(ctx context.Context, id int64) (snap Snapshot, found bool, err error)

// Clock abstracts time for the poll loop.
type Clock interface {
	Now() time.Time
	// Sleep pauses for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// Config controls a wait.
type Config struct {
	// Interval is the pause between fetches.
	Interval time.Duration
	// Timeout bounds the total wait.
	Timeout time.Duration
	// DestroyGrace is how long an absent instance is treated as "not yet
	// listed" rather than destroyed, whatever the target. It should exceed
	// the time the service takes to list a new instance at the chosen
	// interval.
	DestroyGrace time.Duration
	// Clock defaults to RealClock.
	Clock Clock
	// OnSnapshot, if set, observes every snapshot fetched.
	OnSnapshot func(Snapshot)
}

// UnrecoverableStateError is returned when the instance reports a
// provisioning failure. Waiting longer will not help.
type UnrecoverableStateError struct {
	ID      int64
	Message string
}

func (e *UnrecoverableStateError) Error() string {
	return fmt.Sprintf("instance %d: unrecoverable state: %s", e.ID, e.Message)
}

// TimeoutError is returned when the target is not reached before the
// timeout.
type TimeoutError struct {
	ID       int64
	Interval time.Duration
	Target   Target
	// Last is the last snapshot observed, nil if the instance was never found.
	Last *Snapshot
}

func (e *TimeoutError) Error() string {
	last := "never found"
	if e.Last != nil {
		last = fmt.Sprintf("last status %q", e.Last.Status)
	}
	return fmt.Sprintf("instance %d: checked every %s but status never reached %s (%s)",
		e.ID, e.Interval, e.Target, last)
}

// Wait polls fetch until instance id satisfies target.
//
// It returns the matching snapshot, or (nil, nil) once the instance is absent
// after cfg.DestroyGrace has elapsed. Errors from fetch and context
// cancellation are returned unchanged.
func Wait(ctx context.Context, id int64, fetch FetchFunc, target Target, cfg Config) (*Snapshot, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock
	}

	var last *Snapshot
	start := clock.Now()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		snap, found, err := fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		elapsed := clock.Now().Sub(start)

		if !found {
			if elapsed > cfg.DestroyGrace {
				return nil, nil
			}
		} else {
			s := snap
			last = &s
			if cfg.OnSnapshot != nil {
				cfg.OnSnapshot(snap)
			}
			if strings.HasPrefix(snap.Message, UnhandledSetupPrefix) {
				return nil, &UnrecoverableStateError{ID: id, Message: snap.Message}
			}
			if target.Matches(snap.Status) {
				return &s, nil
			}
		}

		if err := clock.Sleep(ctx, cfg.Interval); err != nil {
			return nil, err
		}
		if clock.Now().Sub(start) >= cfg.Timeout {
			return nil, &TimeoutError{ID: id, Interval: cfg.Interval, Target: target, Last: last}
		}
	}
}
