package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Stage doubles
// ---------------------------------------------------------------------------

// stubStage returns a fixed outcome after an optional delay.
type stubStage struct {
	name  StageName
	delay time.Duration
	err   error
	panic any
	calls atomic.Int32
	// ignoreCtx makes the stage sleep through cancellation.
	ignoreCtx bool
	output    StageOutput
}

func newStubStage(name StageName) *stubStage {
	return &stubStage{name: name, output: sampleOutput(name)}
}

func (s *stubStage) Name() StageName { return s.name }

func (s *stubStage) Run(ctx context.Context, in StageInput) (*StageOutcome, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		if s.ignoreCtx {
			time.Sleep(s.delay)
		} else {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if s.panic != nil {
		panic(s.panic)
	}
	if s.err != nil {
		return nil, s.err
	}
	return &StageOutcome{Output: s.output}, nil
}

// mockStage is a testify mock of the Stage contract.
type mockStage struct {
	mock.Mock
	name StageName
}

func (m *mockStage) Name() StageName { return m.name }

func (m *mockStage) Run(ctx context.Context, in StageInput) (*StageOutcome, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*StageOutcome)
	return out, args.Error(1)
}

func sampleOutput(name StageName) StageOutput {
	switch name {
	case StageRetrieval:
		return &RetrievalOutput{Query: "AAPL outlook", Errors: []RetrievalError{}}
	case StageFundamental:
		return &FundamentalOutput{Ticker: "AAPL", HealthScore: 82, Summary: "solid balance sheet"}
	case StageNews:
		return &NewsOutput{Query: "AAPL", OverallSentimentScore: 0.4, OverallSentimentLabel: "Somewhat-Bullish"}
	case StageResearch:
		return &ResearchOutput{Ticker: "AAPL", ComposedAnalysis: "constructive"}
	case StageInvestment:
		return &InvestmentOutput{Ticker: "AAPL", Decision: DecisionBuy, Rationale: "growth", Confidence: 0.7}
	}
	return nil
}

// pipeline bundles one stub per stage.
type pipeline struct {
	stubs map[StageName]*stubStage
}

func newPipeline() *pipeline {
	p := &pipeline{stubs: make(map[StageName]*stubStage)}
	for _, name := range StageOrder {
		p.stubs[name] = newStubStage(name)
	}
	return p
}

func (p *pipeline) set(t *testing.T) StageSet {
	t.Helper()
	stages := make([]Stage, 0, len(StageOrder))
	for _, name := range StageOrder {
		stages = append(stages, p.stubs[name])
	}
	set, err := NewStageSet(stages...)
	require.NoError(t, err)
	return set
}

func (p *pipeline) calls(name StageName) int32 {
	return p.stubs[name].calls.Load()
}

// ---------------------------------------------------------------------------
// Cache and recorder doubles
// ---------------------------------------------------------------------------

type fakeCache struct {
	mu      sync.Mutex
	items   map[string]StepResult
	gets    atomic.Int32
	sets    atomic.Int32
	getErr  error
	setErr  error
	lastTTL time.Duration
}

func newFakeCache() *fakeCache {
	return &fakeCache{items: make(map[string]StepResult)}
}

func (c *fakeCache) Get(_ context.Context, key string) (*StepResult, bool, error) {
	c.gets.Add(1)
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	return &r, true, nil
}

func (c *fakeCache) Set(_ context.Context, key string, result StepResult, ttl time.Duration) error {
	c.sets.Add(1)
	if c.setErr != nil {
		return c.setErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = result
	c.lastTTL = ttl
	return nil
}

func (c *fakeCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

type fakeRecorder struct {
	mu      sync.Mutex
	started []string
	events  []StreamEvent
	err     error
}

func (r *fakeRecorder) StartRun(_ context.Context, runID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, runID)
	return r.err
}

func (r *fakeRecorder) RecordEvent(_ context.Context, ev StreamEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *fakeRecorder) snapshot() ([]string, []StreamEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...), append([]StreamEvent(nil), r.events...)
}

var errBoom = errors.New("boom")

// ---------------------------------------------------------------------------
// Event helpers
// ---------------------------------------------------------------------------

func drain(t *testing.T, events <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out draining events, got %d so far", len(out))
			return out
		}
	}
}

func indexOf(events []StreamEvent, kind EventKind, stage StageName) int {
	for i, ev := range events {
		if ev.Kind == kind && ev.Stage == stage {
			return i
		}
	}
	return -1
}

func completions(events []StreamEvent) map[StageName]StepResult {
	out := make(map[StageName]StepResult)
	for _, ev := range events {
		if ev.Kind == EventStepComplete && ev.Result != nil {
			out[ev.Stage] = *ev.Result
		}
	}
	return out
}

func fixedID(id string) Option {
	return WithIDGenerator(func() string { return id })
}
