package swap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/hotswap/internal/artifact"
	"github.com/roach88/hotswap/internal/capability"
	"github.com/roach88/hotswap/internal/event"
	"github.com/roach88/hotswap/internal/eventlog"
	"github.com/roach88/hotswap/internal/recovery"
	"github.com/roach88/hotswap/internal/validation"
)

// Defaults for Orchestrator options.
const (
	DefaultApplyTimeout = 30 * time.Second
	DefaultDrainTimeout = 30 * time.Second
)

// Orchestrator drives change notifications through the hot-swap pipeline.
type Orchestrator struct {
	log       eventlog.Log
	port      capability.Port
	source    artifact.Source
	keeper    *recovery.Keeper
	trail     *recovery.Trail
	validator *validation.Validator
	alerter   Alerter

	ids    event.IDGenerator
	clock  event.Clock
	runIDs event.IDGenerator

	applyTimeout time.Duration
	drainTimeout time.Duration
	supersede    bool

	factory  *event.Factory
	rollback *recovery.Rollbacker

	mu      sync.Mutex
	lanes   map[string]*lane
	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithApplyTimeout bounds every port call. Zero disables the bound.
func WithApplyTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.applyTimeout = d }
}

// WithDrainTimeout bounds how long rollback waits for a timed-out apply call
// to return before giving up on the restore.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.drainTimeout = d }
}

// WithSupersede controls whether a newer notification cancels a run that
// has not started applying. Default true.
func WithSupersede(enabled bool) Option {
	return func(o *Orchestrator) { o.supersede = enabled }
}

func WithValidator(v *validation.Validator) Option {
	return func(o *Orchestrator) { o.validator = v }
}

func WithKeeper(k *recovery.Keeper) Option {
	return func(o *Orchestrator) { o.keeper = k }
}

func WithTrail(t *recovery.Trail) Option {
	return func(o *Orchestrator) { o.trail = t }
}

func WithAlerter(a Alerter) Option {
	return func(o *Orchestrator) { o.alerter = a }
}

// WithEventIDs sets the generator for event ids.
func WithEventIDs(g event.IDGenerator) Option {
	return func(o *Orchestrator) { o.ids = g }
}

// WithRunIDs sets the generator for run ids, which double as correlation ids.
func WithRunIDs(g event.IDGenerator) Option {
	return func(o *Orchestrator) { o.runIDs = g }
}

func WithClock(c event.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// New creates an Orchestrator. Call Start before Submit.
func New(log eventlog.Log, port capability.Port, source artifact.Source, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		log:          log,
		port:         port,
		source:       source,
		applyTimeout: DefaultApplyTimeout,
		drainTimeout: DefaultDrainTimeout,
		supersede:    true,
		lanes:        make(map[string]*lane),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.keeper == nil {
		o.keeper = recovery.NewKeeper()
	}
	if o.trail == nil {
		o.trail = recovery.NewTrail()
	}
	if o.validator == nil {
		o.validator = validation.New(validation.Options{})
	}
	if o.alerter == nil {
		o.alerter = LogAlerter{}
	}
	if o.clock == nil {
		o.clock = event.SystemClock{}
	}
	if o.ids == nil {
		o.ids = event.UUIDv7Generator{}
	}
	if o.runIDs == nil {
		o.runIDs = event.UUIDv7Generator{}
	}
	o.factory = event.NewFactory(o.ids, o.clock)
	o.rollback = recovery.NewRollbacker(port, o.applyTimeout, o.clock, o.trail)
	return o
}

// Register seeds the last-known-good artifact of a unit already running
// content.
func (o *Orchestrator) Register(unit, path string, content []byte) {
	o.keeper.Register(artifact.New(unit, path, content))
}

// Keeper exposes the last-known-good store.
func (o *Orchestrator) Keeper() *recovery.Keeper { return o.keeper }

// Trail exposes the rollback audit trail.
func (o *Orchestrator) Trail() *recovery.Trail { return o.trail }

// Start enables Submit. Cancelling ctx stops the orchestrator.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return ErrStopped
	}
	if o.started {
		return fmt.Errorf("orchestrator already started")
	}
	o.started = true

	go func() {
		select {
		case <-ctx.Done():
			o.Stop()
		case <-o.stopCh:
		}
	}()
	slog.Info("orchestrator starting", "apply_timeout", o.applyTimeout, "supersede", o.supersede)
	return nil
}

// Stop refuses new notifications, lets every lane finish what is queued and
// waits for the workers to exit.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		o.wg.Wait()
		return
	}
	o.stopped = true
	close(o.stopCh)
	for _, l := range o.lanes {
		l.queue.Close()
	}
	o.mu.Unlock()

	o.wg.Wait()
	slog.Info("orchestrator stopped")
}

// Submit queues n on its unit's lane and returns immediately.
func (o *Orchestrator) Submit(n ChangeNotification) (*Ticket, error) {
	if n.UnitID == "" {
		return nil, fmt.Errorf("notification: unit is required")
	}
	if n.ArtifactPath == "" {
		return nil, fmt.Errorf("notification: artifact path is required")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return nil, ErrStopped
	}
	if !o.started {
		return nil, ErrNotStarted
	}

	l, ok := o.lanes[n.UnitID]
	if !ok {
		l = newLane(n.UnitID)
		o.lanes[n.UnitID] = l
		o.wg.Add(1)
		go o.work(l)
	}

	t := newTicket(o.runIDs.Generate())
	l.enqueue(&job{n: n, ticket: t})
	slog.Debug("notification queued", "unit", n.UnitID, "run", t.RunID, "path", n.ArtifactPath)
	return t, nil
}

// contentHash reads the artifact at path, or "" when it cannot be read.
func (o *Orchestrator) contentHash(unit, path string) string {
	content, err := o.source.Read(context.Background(), path)
	if err != nil {
		return ""
	}
	return artifact.New(unit, path, content).Hash
}

// Process submits n and waits for its outcome. The returned error is set
// when the run failed in a way that needs escalation, or ctx ended first.
func (o *Orchestrator) Process(ctx context.Context, n ChangeNotification) (Outcome, error) {
	t, err := o.Submit(n)
	if err != nil {
		return Outcome{}, err
	}
	out, err := t.Wait(ctx)
	if err != nil {
		return out, err
	}
	if out.Err != nil && out.Err.Escalated() {
		return out, out.Err
	}
	return out, nil
}

func (o *Orchestrator) work(l *lane) {
	defer o.wg.Done()
	for {
		j, err := l.queue.Dequeue(context.Background())
		if err != nil {
			return
		}
		ctl := l.begin(j, func(path string) string { return o.contentHash(l.unit, path) })
		out := o.run(ctl, j.ticket.RunID, j.n)
		l.end()
		j.ticket.complete(out)
	}
}
