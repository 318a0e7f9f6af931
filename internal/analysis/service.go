// Package analysis runs flow detection over the event log.
//
// Streaming analysis follows the log through a subscription and re-evaluates
// the window of the key each new event belongs to. Batch analysis, learning
// and rebuild read the log directly and run each group through the same
// windowed tracker, so a rebuild records exactly what streaming recorded. Analysis never writes to the log and
// never fails a hot-swap run; its errors are logged and the affected key is
// skipped.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/hotswap/internal/event"
	"github.com/roach88/hotswap/internal/eventlog"
	"github.com/roach88/hotswap/internal/flow"
	"github.com/roach88/hotswap/internal/flowstore"
)

// expireEvery is how many streamed events pass between window expiry sweeps.
const expireEvery = 256

// Service owns flow detection for one log and one flow store.
type Service struct {
	log     eventlog.Log
	store   flowstore.Store
	matcher flow.Matcher
	by      flow.GroupBy
	learn   flow.LearnOptions
	workers int

	windowEvents int
	windowAge    time.Duration

	mu       sync.Mutex
	detector *flow.Detector
	gen      uint64
	built    uint64

	processed atomic.Int64
}

// Option configures a Service.
type Option func(*Service)

// WithGroupBy selects the correlation key.
func WithGroupBy(by flow.GroupBy) Option {
	return func(s *Service) { s.by = by }
}

// WithMatcher replaces the default unbounded-gap matcher.
func WithMatcher(m flow.Matcher) Option {
	return func(s *Service) { s.matcher = m }
}

// WithWindow bounds the streaming window per key.
func WithWindow(events int, age time.Duration) Option {
	return func(s *Service) {
		s.windowEvents = events
		s.windowAge = age
	}
}

// WithLearnOptions tunes Learn.
func WithLearnOptions(o flow.LearnOptions) Option {
	return func(s *Service) { s.learn = o }
}

// WithWorkers bounds batch fan-out. Zero means GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(s *Service) { s.workers = n }
}

// New creates a Service.
func New(log eventlog.Log, store flowstore.Store, opts ...Option) *Service {
	s := &Service{
		log:     log,
		store:   store,
		matcher: flow.NewMatcher(),
		by:      flow.ByCorrelation,
		learn:   flow.DefaultLearnOptions(),
		gen:     1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.workers <= 0 {
		s.workers = runtime.GOMAXPROCS(0)
	}
	return s
}

// Store exposes the flow store.
func (s *Service) Store() flowstore.Store { return s.store }

// Processed returns the number of events the streaming loop has handled.
func (s *Service) Processed() int64 { return s.processed.Load() }

// Seed stores flows, typically the compiled built-in library.
func (s *Service) Seed(ctx context.Context, flows []flow.Flow) ([]flowstore.Result, error) {
	defer s.invalidate()
	return flowstore.StoreAll(ctx, s.store, flows)
}

// StoreFlow stores one flow and refreshes the detector.
func (s *Service) StoreFlow(ctx context.Context, f flow.Flow) (flowstore.Result, error) {
	defer s.invalidate()
	return s.store.Store(ctx, f)
}

// DeleteFlow removes a flow and refreshes the detector.
func (s *Service) DeleteFlow(ctx context.Context, id flow.ID) error {
	defer s.invalidate()
	return s.store.Delete(ctx, id)
}

func (s *Service) invalidate() {
	s.mu.Lock()
	s.gen++
	s.mu.Unlock()
}

// Detector returns a detector over the current library, rebuilding it only
// after the library changed through this service.
func (s *Service) Detector(ctx context.Context) (*flow.Detector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detector != nil && s.built == s.gen {
		return s.detector, nil
	}
	flows, err := s.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load flow library: %w", err)
	}
	s.detector = flow.NewDetector(flows, s.matcher, s.by)
	s.built = s.gen
	return s.detector, nil
}

// Run streams committed events until ctx ends or the log closes.
// Events committed before Run subscribes are not seen; use Rebuild for
// history.
func (s *Service) Run(ctx context.Context) error {
	return s.Attach()(ctx)
}

// Attach subscribes to the log immediately and returns the streaming loop.
// Every event committed after Attach returns is analysed once the loop runs.
func (s *Service) Attach() func(ctx context.Context) error {
	sub := s.log.Subscribe()
	return func(ctx context.Context) error {
		defer sub.Close()
		return s.consume(ctx, sub)
	}
}

func (s *Service) consume(ctx context.Context, sub *eventlog.Subscription) error {
	tracker := flow.NewTracker(s.by, s.windowEvents, s.windowAge)
	slog.Info("flow analysis streaming", "group_by", s.by)

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, eventlog.ErrClosed) || ctx.Err() != nil {
				slog.Info("flow analysis stopped", "processed", s.processed.Load())
				return nil
			}
			return err
		}

		s.evaluate(ctx, tracker, ev)
		if n := s.processed.Add(1); n%expireEvery == 0 {
			if dropped := tracker.Expire(ev.Timestamp); dropped > 0 {
				slog.Debug("expired flow windows", "keys", dropped)
			}
		}
	}
}

func (s *Service) evaluate(ctx context.Context, tracker *flow.Tracker, ev event.Event) {
	d, err := s.Detector(ctx)
	if err != nil {
		slog.Warn("flow analysis skipped event", "event", ev.EventID, "error", err)
		return
	}
	u, ok, err := tracker.Add(d, ev)
	if !ok {
		return
	}
	if err != nil {
		slog.Warn("skipping group", "event", ev.EventID, "error", err)
		return
	}
	if err := s.store.ReplaceDetections(ctx, u.Key, u.From, u.Matches); err != nil {
		slog.Warn("failed to record detections", "key", u.Key, "error", err)
		return
	}
	for _, m := range u.Matches {
		slog.Debug("flow detected", "key", m.Key, "flow", m.FlowID, "confidence", m.Confidence)
	}
}

// Batch detects flows over every event at or after since. Each group is
// replayed through the streaming window; groups run concurrently and the
// result is in group order.
func (s *Service) Batch(ctx context.Context, since time.Time) (flow.Result, error) {
	events, err := s.log.ReadAll(ctx, since)
	if err != nil {
		return flow.Result{}, fmt.Errorf("read log: %w", err)
	}
	d, err := s.Detector(ctx)
	if err != nil {
		return flow.Result{}, err
	}

	groups := flow.GroupEvents(events, d.GroupBy())
	matches := make([][]flow.Match, len(groups))
	failures := make([]error, len(groups))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, group := range groups {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			matches[i], failures[i] = d.Replay(group, s.windowEvents, s.windowAge)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return flow.Result{}, err
	}

	var res flow.Result
	for i, group := range groups {
		switch {
		case failures[i] != nil:
			slog.Warn("skipping group", "key", group.Key, "events", len(group.Events), "error", failures[i])
			res.Skipped = append(res.Skipped, flow.Skipped{Key: group.Key, Error: failures[i].Error()})
		case len(matches[i]) == 0:
			res.Unmatched = append(res.Unmatched, group)
		default:
			res.Matches = append(res.Matches, matches[i]...)
		}
	}
	return res, nil
}

// Report summarises a rebuild.
type Report struct {
	Matches   int `json:"matches"`
	Unmatched int `json:"unmatched"`
	Skipped   int `json:"skipped"`
}

// Rebuild recomputes every detection from the whole log, replacing what the
// store held.
func (s *Service) Rebuild(ctx context.Context) (Report, error) {
	res, err := s.Batch(ctx, time.Time{})
	if err != nil {
		return Report{}, err
	}
	if err := s.store.ClearDetections(ctx); err != nil {
		return Report{}, fmt.Errorf("clear detections: %w", err)
	}

	byKey := make(map[string][]flow.Match)
	var keys []string
	for _, m := range res.Matches {
		if _, ok := byKey[m.Key]; !ok {
			keys = append(keys, m.Key)
		}
		byKey[m.Key] = append(byKey[m.Key], m)
	}
	for _, key := range keys {
		if err := s.store.ReplaceDetections(ctx, key, 0, byKey[key]); err != nil {
			return Report{}, fmt.Errorf("record detections for %s: %w", key, err)
		}
	}

	rep := Report{Matches: len(res.Matches), Unmatched: len(res.Unmatched), Skipped: len(res.Skipped)}
	slog.Info("flow detections rebuilt", "matches", rep.Matches, "unmatched", rep.Unmatched, "skipped", rep.Skipped)
	return rep, nil
}

// Learn proposes flows from groups since since that matched nothing and
// stores them. It returns the learned flows with their store results.
func (s *Service) Learn(ctx context.Context, since time.Time) ([]flow.Flow, []flowstore.Result, error) {
	res, err := s.Batch(ctx, since)
	if err != nil {
		return nil, nil, err
	}
	learned := flow.Learn(res.Unmatched, s.learn)
	if len(learned) == 0 {
		return nil, nil, nil
	}
	results, err := s.Seed(ctx, learned)
	if err != nil {
		return learned, results, err
	}
	slog.Info("flows learned", "count", len(learned), "unmatched_groups", len(res.Unmatched))
	return learned, results, nil
}
