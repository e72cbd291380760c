// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package policy coordinates tests, the registry and the event
// buffers of every subdevice.
//
// A Manager owns one consumer per hardware buffer. While any test is
// running, a pump goroutine per buffer drains its ring when notified,
// classifies the entries and sends the events to a single dispatcher
// goroutine, which delivers them to the gilders of the tests that own
// them and to subscribers. No lock is held across classification.
package policy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mknyszek/gild"
	"github.com/mknyszek/gild/capture"
	"github.com/mknyszek/gild/classify"
	"github.com/mknyszek/gild/gilder"
	"github.com/mknyszek/gild/internal/clock"
	"github.com/mknyszek/gild/registry"
)

var (
	ErrRunning    = errors.New("event pipeline is running")
	ErrTestEnded  = errors.New("test has ended")
	ErrNoSuchTest = errors.New("test is not active")
)

// Config configures a Manager.
type Config struct {
	Gild     gilder.Options
	Ring     gild.ConsumerOptions
	Registry registry.Config

	// QueueSize is the capacity of the event queue between the
	// pumps and the dispatcher.
	QueueSize int

	// RetryInterval is how long a pump waits before draining again
	// after finding a partially written entry.
	RetryInterval time.Duration
}

// Option configures optional Manager behavior.
type Option func(*Manager)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithClock sets the clock used for polling and timeouts.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clk = clk }
}

// WithRecorder records every buffer, engine query and potential
// event so that the run can be replayed later.
func WithRecorder(rec *capture.Recorder) Option {
	return func(m *Manager) { m.rec = rec }
}

// BufferConfig describes a hardware event buffer.
type BufferConfig struct {
	Subdevice  uint32
	Handle     uint32
	NotifierID uint32
	Ring       gild.Ring
	Notifier   gild.Notifier
}

type buffer struct {
	cfg      BufferConfig
	consumer *gild.Consumer
	kick     chan struct{}
	flush    chan chan struct{}
	events   chan<- message
}

type message struct {
	ev    gild.Event
	err   error
	flush chan struct{}
}

const levelTrace = slog.Level(-8)

type pipeline struct {
	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group
	subs   []gild.Subscription
}

// Manager is the context shared by every test in a process. It is
// safe for concurrent use.
type Manager struct {
	cfg Config
	log *slog.Logger
	clk clock.Clock
	rec *capture.Recorder
	reg *registry.Registry
	cls *classify.Classifier

	// lifecycle serializes starting and stopping the pipeline, so
	// that a new pipeline never overlaps the teardown of the last.
	lifecycle sync.Mutex

	mu        sync.Mutex
	buffers   []*buffer
	tests     map[registry.TestID]*Test
	nextTest  registry.TestID
	running   *pipeline
	observers map[int]func(gild.Event)
	nextObs   int

	statsMu sync.Mutex
	stats   *Stats
}

// New returns a Manager with no buffers and no tests.
func New(cfg Config, engines classify.EngineQuerier, opts ...Option) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Millisecond
	}
	m := &Manager{
		cfg:       cfg,
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		clk:       clock.Real(),
		reg:       registry.New(cfg.Registry),
		tests:     make(map[registry.TestID]*Test),
		nextTest:  registry.SharedTest + 1,
		observers: make(map[int]func(gild.Event)),
		stats:     NewStats(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.rec != nil && engines != nil {
		engines = m.rec.Engines(engines)
	}
	m.cls = classify.New(m.reg, engines, m.log)
	return m
}

// Registry returns the manager's registry.
func (m *Manager) Registry() *registry.Registry {
	return m.reg
}

// Stats returns a copy of the pipeline statistics.
func (m *Manager) Stats() *Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats.clone()
}

func (m *Manager) updateStats(f func(*Stats)) {
	m.statsMu.Lock()
	f(m.stats)
	m.statsMu.Unlock()
}

// AddBuffer adds a hardware event buffer. Buffers may only be added
// while no test is running.
func (m *Manager) AddBuffer(cfg BufferConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running != nil {
		return fmt.Errorf("adding buffer 0x%x: %w", cfg.Handle, ErrRunning)
	}
	c, err := gild.NewConsumer(cfg.Ring, m.cfg.Ring)
	if err != nil {
		return fmt.Errorf("buffer 0x%x on gpu %d: %w", cfg.Handle, cfg.Subdevice, err)
	}
	if m.rec != nil {
		if err := m.rec.AddBuffer(cfg.Subdevice, cfg.Handle, cfg.NotifierID, cfg.Ring); err != nil {
			return err
		}
	}
	m.buffers = append(m.buffers, &buffer{cfg: cfg, consumer: c})
	return nil
}

// subscription is a handle returned by Subscribe.
type subscription struct {
	m  *Manager
	id int
}

func (s subscription) Cancel() {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	delete(s.m.observers, s.id)
}

// Subscribe registers fn to receive every classified event, after it
// has been delivered to the owning tests. fn runs on the dispatcher
// goroutine and must not call back into the Manager.
func (m *Manager) Subscribe(fn func(gild.Event)) gild.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	return subscription{m, id}
}

// StartTest begins a test, starting the event pipeline if it is the
// first active test.
func (m *Manager) StartTest(name string) (*Test, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &Test{
		m:    m,
		id:   m.nextTest,
		name: name,
		g:    gilder.New(m.cfg.Gild, m.clk, m.log.With("test", name)),
	}
	if err := t.g.StartTest(); err != nil {
		return nil, fmt.Errorf("starting test %s: %w", name, err)
	}
	if m.running == nil {
		if err := m.start(); err != nil {
			return nil, err
		}
	}
	m.nextTest++
	m.tests[t.id] = t
	m.log.Info("test started", "test", name, "id", t.id, "active", len(m.tests))
	return t, nil
}

// start launches the pumps and the dispatcher. m.lifecycle and m.mu
// must be held.
func (m *Manager) start() error {
	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	p := &pipeline{ctx: ctx, cancel: cancel, eg: eg}
	events := make(chan message, m.cfg.QueueSize)

	for _, b := range m.buffers {
		b.kick = make(chan struct{}, 1)
		b.flush = make(chan chan struct{})
		b.events = events
		if b.cfg.Notifier != nil {
			sub, err := b.cfg.Notifier.Register(b.cfg.Handle, b.cfg.NotifierID, b.notify)
			if err != nil {
				for _, s := range p.subs {
					s.Cancel()
				}
				cancel()
				return fmt.Errorf("registering for buffer 0x%x notifications: %w", b.cfg.Handle, err)
			}
			p.subs = append(p.subs, sub)
		}
		// Pick up anything that arrived before the pipeline started.
		b.notify()
	}
	for _, b := range m.buffers {
		eg.Go(func() error { return m.pump(ctx, b) })
	}
	eg.Go(func() error { return m.dispatch(ctx, events) })
	m.running = p
	m.log.Debug("event pipeline started", "buffers", len(m.buffers))
	return nil
}

// stop cancels the subscriptions of a detached pipeline and waits for
// it to exit. m.lifecycle must be held.
func (m *Manager) stop(p *pipeline) {
	if p == nil {
		return
	}
	for _, s := range p.subs {
		s.Cancel()
	}
	p.cancel()
	if err := p.eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		m.log.Error("event pipeline failed", "err", err)
	}
	m.log.Debug("event pipeline stopped")
}

func (b *buffer) notify() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

func (b *buffer) send(ctx context.Context, msg message) error {
	select {
	case b.events <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pump drains one buffer whenever it is notified, flushed or needs a
// retry after a partial stop.
func (m *Manager) pump(ctx context.Context, b *buffer) error {
	var retry <-chan time.Time
	for {
		var flush chan struct{}
		select {
		case <-ctx.Done():
			return nil
		case <-b.kick:
		case <-retry:
		case flush = <-b.flush:
		}
		retry = nil
		outcome, err := m.drain(ctx, b)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if outcome == gild.DrainPartialStop {
			retry = m.clk.After(m.cfg.RetryInterval)
		}
		if flush != nil {
			if err := b.send(ctx, message{flush: flush}); err != nil {
				return nil
			}
		}
	}
}

// drain runs a single drain of b and re-enables its notifications.
// Only context cancellation is returned as an error; everything else
// is reported to the tests through the dispatcher.
func (m *Manager) drain(ctx context.Context, b *buffer) (gild.DrainOutcome, error) {
	sub := b.cfg.Subdevice
	if m.rec != nil {
		if err := m.rec.Snapshot(sub, b.cfg.Handle, b.cfg.Ring); err != nil {
			m.log.Warn("recording buffer snapshot", "handle", b.cfg.Handle, "err", err)
		}
	}
	res, err := b.consumer.Drain(func(e gild.Entry) error {
		ev, err := m.cls.Classify(sub, e)
		if err != nil {
			return err
		}
		m.updateStats(func(s *Stats) { s.AddOther(kindStat(ev.Kind), 1) })
		return b.send(ctx, message{ev: ev})
	})
	m.updateStats(func(s *Stats) {
		s.Drains++
		s.Entries += uint64(res.Consumed)
		if res.Outcome == gild.DrainPartialStop {
			s.PartialStops++
		}
	})
	if ctx.Err() != nil {
		return res.Outcome, ctx.Err()
	}
	if err != nil {
		m.updateStats(func(s *Stats) { s.Errors++ })
		err = fmt.Errorf("gpu %d buffer 0x%x: %w", sub, b.cfg.Handle, err)
		if err := b.send(ctx, message{err: err}); err != nil {
			return res.Outcome, err
		}
	}
	if res.Outcome == gild.DrainOverflow {
		m.log.Warn("event buffer overflowed", "gpu", sub, "handle", b.cfg.Handle, "variant", b.consumer.Variant())
		m.updateStats(func(s *Stats) {
			s.Overflows++
			s.AddOther(kindStat(gild.EventBufferOverflow), 1)
		})
		ev := gild.Event{
			Kind:      gild.EventBufferOverflow,
			Subdevice: sub,
			Channel:   gild.NoChannel,
			VEID:      gild.BadVEID,
			Buffer:    b.consumer.Variant(),
		}
		if err := b.send(ctx, message{ev: ev}); err != nil {
			return res.Outcome, err
		}
	}
	if res.Consumed > 0 {
		m.log.Log(ctx, levelTrace, "drained buffer",
			"gpu", sub, "handle", b.cfg.Handle, "entries", res.Consumed, "outcome", res.Outcome)
	}
	if err := b.consumer.EnableNotifications(); err != nil {
		if err := b.send(ctx, message{err: fmt.Errorf("re-enabling buffer 0x%x notifications: %w", b.cfg.Handle, err)}); err != nil {
			return res.Outcome, err
		}
	}
	if err != nil && res.Consumed > 0 {
		// Entries after the one that failed are still waiting.
		b.notify()
	}
	return res.Outcome, nil
}

// dispatch delivers events in the order the pumps sent them.
func (m *Manager) dispatch(ctx context.Context, events <-chan message) error {
	for {
		var msg message
		select {
		case <-ctx.Done():
			return nil
		case msg = <-events:
		}
		switch {
		case msg.flush != nil:
			close(msg.flush)
		case msg.err != nil:
			m.failAll(msg.err)
		default:
			m.deliver(msg.ev)
		}
	}
}

// owners returns the tests an event belongs to: the test owning its
// channel, or every active test for shared or unattributed events.
func (m *Manager) owners(ev gild.Event) []*Test {
	owner := registry.SharedTest
	if ev.Channel != gild.NoChannel {
		if ch, ok := m.reg.LookupChannel(ev.Subdevice, ev.Channel); ok {
			owner = ch.Test
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tests[owner]; ok && owner != registry.SharedTest {
		return []*Test{t}
	}
	ts := make([]*Test, 0, len(m.tests))
	for _, t := range m.tests {
		ts = append(ts, t)
	}
	return ts
}

func (m *Manager) deliver(ev gild.Event) {
	for _, t := range m.owners(ev) {
		if err := t.g.EventOccurred(ev); err != nil {
			m.log.Debug("event not recorded", "test", t.name, "event", ev.GildString(), "err", err)
		}
	}
	m.mu.Lock()
	obs := make([]func(gild.Event), 0, len(m.observers))
	for _, fn := range m.observers {
		obs = append(obs, fn)
	}
	m.mu.Unlock()
	for _, fn := range obs {
		fn(ev)
	}
}

func (m *Manager) failAll(err error) {
	m.log.Error("event delivery failed", "err", err)
	m.mu.Lock()
	ts := make([]*Test, 0, len(m.tests))
	for _, t := range m.tests {
		ts = append(ts, t)
	}
	m.mu.Unlock()
	for _, t := range ts {
		t.fail(err)
	}
}

// Flush drains every buffer and waits until all events found have
// been delivered. It returns immediately if no test is running, and
// early if the pipeline stops while it waits.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	p := m.running
	flushes := make([]chan chan struct{}, len(m.buffers))
	for i, b := range m.buffers {
		flushes[i] = b.flush
	}
	m.mu.Unlock()
	if p == nil {
		return nil
	}

	done := make([]chan struct{}, len(flushes))
	for i, f := range flushes {
		done[i] = make(chan struct{})
		select {
		case f <- done[i]:
		case <-p.ctx.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, d := range done {
		select {
		case <-d:
		case <-p.ctx.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// EndTest ends t and reconciles its events.
//
// If t is the last active test, EndTest first waits for its required
// events, and afterwards stops the event pipeline. The test's
// channels and memory are released from the registry.
func (m *Manager) EndTest(ctx context.Context, t *Test) (*gilder.Result, error) {
	m.mu.Lock()
	if m.tests[t.id] != t {
		m.mu.Unlock()
		return nil, fmt.Errorf("ending test %s: %w", t.name, ErrNoSuchTest)
	}
	last := len(m.tests) == 1
	m.mu.Unlock()

	var waitErr error
	if err := m.Flush(ctx); err != nil {
		waitErr = err
	}
	if last && t.Status() != StatusAborted && waitErr == nil {
		err := t.g.WaitForRequiredEvents(ctx)
		if !errors.Is(err, gilder.ErrRequiredEventTimeout) {
			waitErr = err
		}
	}

	// A concurrent StartTest either finds this test still active, or
	// waits until the detached pipeline has stopped.
	m.lifecycle.Lock()
	m.mu.Lock()
	if m.tests[t.id] != t {
		m.mu.Unlock()
		m.lifecycle.Unlock()
		return nil, fmt.Errorf("ending test %s: %w", t.name, ErrNoSuchTest)
	}
	delete(m.tests, t.id)
	remaining := len(m.tests)
	var p *pipeline
	if remaining == 0 {
		p, m.running = m.running, nil
	}
	m.mu.Unlock()
	m.stop(p)
	m.lifecycle.Unlock()

	res, err := t.g.EndTest()
	m.reg.ReleaseTest(t.id)
	t.end(res)
	m.log.Info("test ended", "test", t.name, "status", t.Status(), "active", remaining)
	return res, errors.Join(err, waitErr)
}
