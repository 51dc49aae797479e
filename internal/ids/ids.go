// Package ids mints the prefixed, monotonic identifiers used by every
// entity, and defines the injectable clock the rest of the system tells
// time through.
package ids

import (
	"fmt"
	"sync"
	"time"
)

// Clock abstracts time.Now so schedulers, supervisors, and tests share one
// time source. Implementations must be safe for concurrent use.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// Millis converts a time to the milliseconds-since-epoch representation
// every persisted timestamp uses.
func Millis(t time.Time) int64 { return t.UnixMilli() }

// FromMillis is the inverse of Millis.
func FromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

// Entity prefixes. Closed set; ids look like "task_00000000010000002".
const (
	PrefixOutcome    = "out"
	PrefixTask       = "task"
	PrefixWorker     = "wrk"
	PrefixEscalation = "esc"
	PrefixAlert      = "alr"
	PrefixJob        = "job"
	PrefixDecision   = "dec"
)

// Generator mints ids of the form <prefix>_<13-digit ms><4-digit seq>.
// Zero-padding makes lexicographic order equal creation order, which the
// scheduler relies on for its final tie-break.
type Generator struct {
	mu     sync.Mutex
	clock  Clock
	lastMs int64
	seq    int
}

// NewGenerator returns a Generator driven by clock. A nil clock means the
// system clock.
func NewGenerator(clock Clock) *Generator {
	if clock == nil {
		clock = SystemClock()
	}
	return &Generator{clock: clock}
}

// Next returns a fresh id for the given prefix. Ids from one Generator are
// strictly increasing even when the clock is frozen or steps backward.
func (g *Generator) Next(prefix string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.clock.Now().UnixMilli()
	if ms <= g.lastMs {
		ms = g.lastMs
		g.seq++
	} else {
		g.lastMs = ms
		g.seq = 0
	}
	return fmt.Sprintf("%s_%013d%04d", prefix, ms, g.seq)
}

// Outcome mints an outcome id.
func (g *Generator) Outcome() string { return g.Next(PrefixOutcome) }

// Task mints a task id.
func (g *Generator) Task() string { return g.Next(PrefixTask) }

// Worker mints a worker id.
func (g *Generator) Worker() string { return g.Next(PrefixWorker) }

// Escalation mints an escalation id.
func (g *Generator) Escalation() string { return g.Next(PrefixEscalation) }

// Alert mints an alert id.
func (g *Generator) Alert() string { return g.Next(PrefixAlert) }

// Job mints a job id.
func (g *Generator) Job() string { return g.Next(PrefixJob) }

// Decision mints a decision id.
func (g *Generator) Decision() string { return g.Next(PrefixDecision) }
