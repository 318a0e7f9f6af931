package swap

import (
	"context"
	"sync"

	"github.com/roach88/hotswap/internal/eventlog"
)

type job struct {
	n      ChangeNotification
	ticket *Ticket
	seq    uint64
}

// notice is the newest notification accepted on a lane.
type notice struct {
	seq   uint64
	runID string
	path  string
}

// lane serialises runs for one unit.
type lane struct {
	unit  string
	queue *eventlog.Queue[*job]

	mu      sync.Mutex
	current *runControl
	latest  notice
}

func newLane(unit string) *lane {
	return &lane{unit: unit, queue: eventlog.NewQueue[*job]()}
}

// enqueue records j as the newest notification and queues it.
func (l *lane) enqueue(j *job) {
	l.mu.Lock()
	l.latest = notice{seq: l.latest.seq + 1, runID: j.ticket.RunID, path: j.n.ArtifactPath}
	j.seq = l.latest.seq
	l.mu.Unlock()
	l.queue.Enqueue(j)
}

func (l *lane) newest() notice {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest
}

func (l *lane) begin(j *job, hashOf func(path string) string) *runControl {
	ctx, cancel := context.WithCancel(context.Background())
	ctl := &runControl{ctx: ctx, cancel: cancel, lane: l, seq: j.seq, hashOf: hashOf}
	l.mu.Lock()
	l.current = ctl
	l.mu.Unlock()
	return ctl
}

func (l *lane) end() {
	l.mu.Lock()
	if l.current != nil {
		l.current.cancel()
	}
	l.current = nil
	l.mu.Unlock()
}

// runControl carries one run's lifetime, its candidate and its point of no
// return. Only the lane worker touches it.
type runControl struct {
	ctx    context.Context
	cancel context.CancelFunc
	lane   *lane
	seq    uint64

	// hashOf reads a newer notification's artifact for comparison.
	hashOf func(path string) string
	// candidate is the hash this run is applying, once read.
	candidate string
	// checked caches the comparison against the newest notification.
	checked   uint64
	identical bool

	applying bool
}

// setCandidate records the content this run is about to apply.
func (c *runControl) setCandidate(hash string) {
	c.candidate = hash
}

// superseded reports why the run should stop, or "" to continue. A run is
// superseded when a newer notification for the unit carries different
// content. A redelivery of the artifact being applied does not stop it;
// the queued run becomes a duplicate once this one confirms.
func (c *runControl) superseded(enabled bool) string {
	if !enabled || c.applying {
		return ""
	}
	n := c.lane.newest()
	if n.seq <= c.seq {
		return ""
	}
	if n.seq != c.checked {
		c.checked = n.seq
		c.identical = c.candidate != "" && c.hashOf(n.path) == c.candidate
	}
	if c.identical {
		return ""
	}
	return "superseded by run " + n.runID
}

// beginApply marks the point of no return. It fails if the run was
// superseded first.
func (c *runControl) beginApply(enabled bool) (string, bool) {
	if reason := c.superseded(enabled); reason != "" {
		return reason, false
	}
	c.applying = true
	return "", true
}
