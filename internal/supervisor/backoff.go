package supervisor

import "time"

// Restart policy defaults. A worker gets restartBudget automatic
// restarts within a rolling restartWindow; past that the supervisor
// gives up until an operator intervenes.
const (
	backoffBase   = 1 * time.Second
	backoffMax    = 30 * time.Second
	restartBudget = 5
	restartWindow = 60 * time.Second
)

// backoffPolicy computes restart delays and enforces the retry budget.
type backoffPolicy struct {
	base   time.Duration
	max    time.Duration
	budget int
	window time.Duration
}

func defaultPolicy() backoffPolicy {
	return backoffPolicy{
		base:   backoffBase,
		max:    backoffMax,
		budget: restartBudget,
		window: restartWindow,
	}
}

// delay returns the wait before restart attempt. attempt is zero-based:
// the first restart waits base, then doubles, capped at max.
func (p backoffPolicy) delay(attempt int) time.Duration {
	d := p.base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.max {
			return p.max
		}
	}
	if d > p.max {
		return p.max
	}
	return d
}

// restartTracker holds one worker's crash-restart accounting. Operator
// restarts are counted separately and never consume the crash budget.
type restartTracker struct {
	policy       backoffPolicy
	crashes      []time.Time // crash times inside the rolling window
	manual       int
	healthySince time.Time
}

func newTracker(policy backoffPolicy) *restartTracker {
	return &restartTracker{policy: policy}
}

func (t *restartTracker) prune(now time.Time) {
	cutoff := now.Add(-t.policy.window)
	for len(t.crashes) > 0 && t.crashes[0].Before(cutoff) {
		t.crashes = t.crashes[1:]
	}
}

// recordCrash registers a crash at now and returns the backoff delay for
// the next restart, or givenUp when the budget inside the rolling window
// is exhausted.
func (t *restartTracker) recordCrash(now time.Time) (delay time.Duration, givenUp bool) {
	t.healthySince = time.Time{}
	t.prune(now)
	if len(t.crashes) >= t.policy.budget {
		return 0, true
	}
	delay = t.policy.delay(len(t.crashes))
	t.crashes = append(t.crashes, now)
	return delay, false
}

// recordHealthy notes a healthy observation; the crash history is
// forgotten once the worker has stayed healthy for a full window.
func (t *restartTracker) recordHealthy(now time.Time) {
	if t.healthySince.IsZero() {
		t.healthySince = now
		return
	}
	if now.Sub(t.healthySince) >= t.policy.window && len(t.crashes) > 0 {
		t.crashes = nil
	}
}

// recordManual counts an operator-initiated restart.
func (t *restartTracker) recordManual() {
	t.manual++
}

// count returns the number of automatic restarts inside the window.
func (t *restartTracker) count(now time.Time) int {
	t.prune(now)
	return len(t.crashes)
}
