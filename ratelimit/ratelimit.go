// Package ratelimit implements the three independent, sliding-window
// admission limits the protocol engine enforces: per-participant operation
// rate, per-source workspace creation rate, and a hard participant cap.
package ratelimit

import (
	"sync"
	"time"

	"github.com/ephemera-project/ephemera/ids"
)

// Decision is the outcome of a check_* call.
type Decision struct {
	Allowed      bool
	RetryAfterMs int64
	Reason       string
}

// Config configures the three limiters.
type Config struct {
	OperationsPerSecond int
	CreationsPerHour    int
	MaxParticipants     int
	SweepInterval       time.Duration
}

// DefaultConfig matches spec.md §4.10's stated defaults.
func DefaultConfig() Config {
	return Config{
		OperationsPerSecond: 100,
		CreationsPerHour:    10,
		MaxParticipants:     50,
		SweepInterval:       60 * time.Second,
	}
}

type opWindow struct {
	mu        sync.Mutex
	windowEnd int64
	count     int
}

type creationWindow struct {
	mu        sync.Mutex
	windowEnd int64
	count     int
}

// Limiter enforces the three sliding-window limits. Safe for concurrent
// use; CheckOperation/CheckCreation are cheap enough to call on every
// request, with RecordOperation/RecordCreation called only after the
// corresponding check returned allowed.
type Limiter struct {
	cfg Config

	mu          sync.Mutex
	opWindows   map[opKey]*opWindow
	creations   map[string]*creationWindow

	now func() int64

	stop chan struct{}
}

type opKey struct {
	workspace   ids.WorkspaceID
	participant ids.ParticipantID
}

// New returns a Limiter and starts its background sweep goroutine.
func New(cfg Config) *Limiter {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	l := &Limiter{
		cfg:       cfg,
		opWindows: make(map[opKey]*opWindow),
		creations: make(map[string]*creationWindow),
		now:       func() int64 { return time.Now().UnixMilli() },
		stop:      make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// CheckOperation reports whether another operation from (workspace,
// participant) is allowed under the 1-second sliding window.
func (l *Limiter) CheckOperation(workspace ids.WorkspaceID, participant ids.ParticipantID) Decision {
	k := opKey{workspace, participant}
	l.mu.Lock()
	w, ok := l.opWindows[k]
	if !ok {
		w = &opWindow{}
		l.opWindows[k] = w
	}
	l.mu.Unlock()

	nowMs := l.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if nowMs >= w.windowEnd {
		w.windowEnd = nowMs + 1000
		w.count = 0
	}
	if w.count >= l.cfg.OperationsPerSecond {
		return Decision{Allowed: false, RetryAfterMs: w.windowEnd - nowMs, Reason: "operation rate limit exceeded"}
	}
	return Decision{Allowed: true}
}

// RecordOperation must be called only after CheckOperation returned allowed.
func (l *Limiter) RecordOperation(workspace ids.WorkspaceID, participant ids.ParticipantID) {
	k := opKey{workspace, participant}
	l.mu.Lock()
	w := l.opWindows[k]
	l.mu.Unlock()
	if w == nil {
		return
	}
	w.mu.Lock()
	w.count++
	w.mu.Unlock()
}

// CheckCreation reports whether another workspace creation from source is
// allowed under the hourly sliding window.
func (l *Limiter) CheckCreation(source string) Decision {
	l.mu.Lock()
	w, ok := l.creations[source]
	if !ok {
		w = &creationWindow{}
		l.creations[source] = w
	}
	l.mu.Unlock()

	nowMs := l.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if nowMs >= w.windowEnd {
		w.windowEnd = nowMs + 3600_000
		w.count = 0
	}
	if w.count >= l.cfg.CreationsPerHour {
		return Decision{Allowed: false, RetryAfterMs: w.windowEnd - nowMs, Reason: "workspace creation rate limit exceeded"}
	}
	return Decision{Allowed: true}
}

// RecordCreation must be called only after CheckCreation returned allowed.
func (l *Limiter) RecordCreation(source string) {
	l.mu.Lock()
	w := l.creations[source]
	l.mu.Unlock()
	if w == nil {
		return
	}
	w.mu.Lock()
	w.count++
	w.mu.Unlock()
}

// CheckParticipantCap reports whether a workspace with currentCount members
// may admit one more participant.
func (l *Limiter) CheckParticipantCap(currentCount int) Decision {
	if currentCount >= l.cfg.MaxParticipants {
		return Decision{Allowed: false, Reason: "Participant limit exceeded for this workspace"}
	}
	return Decision{Allowed: true}
}

// Close stops the background sweep.
func (l *Limiter) Close() {
	close(l.stop)
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

// sweep evicts counters whose window has already elapsed, bounding memory
// use for participants/sources that stopped sending.
func (l *Limiter) sweep() {
	nowMs := l.now()

	l.mu.Lock()
	opKeys := make([]opKey, 0, len(l.opWindows))
	for k := range l.opWindows {
		opKeys = append(opKeys, k)
	}
	creationKeys := make([]string, 0, len(l.creations))
	for k := range l.creations {
		creationKeys = append(creationKeys, k)
	}
	l.mu.Unlock()

	for _, k := range opKeys {
		l.mu.Lock()
		w := l.opWindows[k]
		l.mu.Unlock()
		if w == nil {
			continue
		}
		w.mu.Lock()
		expired := nowMs >= w.windowEnd
		w.mu.Unlock()
		if expired {
			l.mu.Lock()
			delete(l.opWindows, k)
			l.mu.Unlock()
		}
	}

	for _, k := range creationKeys {
		l.mu.Lock()
		w := l.creations[k]
		l.mu.Unlock()
		if w == nil {
			continue
		}
		w.mu.Lock()
		expired := nowMs >= w.windowEnd
		w.mu.Unlock()
		if expired {
			l.mu.Lock()
			delete(l.creations, k)
			l.mu.Unlock()
		}
	}
}
