package ai

import (
	"context"
	"sync"
	"time"

	"maestro/internal/catalog"
	"maestro/internal/events"
)

// fakeProvider is an in-memory LLMProvider for pipeline tests.
type fakeProvider struct {
	id       catalog.ProviderID
	priority int
	models   map[string]bool

	mu         sync.Mutex
	calls      int
	lastModel  string
	completeFn func(ctx context.Context, pl *Payload) (*Completion, error)

	shutdownErr error
	health      healthTracker
}

func newFakeProvider(id catalog.ProviderID, models ...string) *fakeProvider {
	set := make(map[string]bool, len(models))
	for _, m := range models {
		set[m] = true
	}
	return &fakeProvider{
		id:     id,
		models: set,
		completeFn: func(ctx context.Context, pl *Payload) (*Completion, error) {
			return &Completion{
				Content:      "ok",
				InputTokens:  100,
				OutputTokens: 50,
				FinishReason: FinishStop,
			}, nil
		},
	}
}

func (f *fakeProvider) ID() catalog.ProviderID { return f.id }
func (f *fakeProvider) Priority() int          { return f.priority }

func (f *fakeProvider) Initialize(cfg ProviderConfig) error {
	f.priority = cfg.Priority
	return nil
}

func (f *fakeProvider) Complete(ctx context.Context, pl *Payload) (*Completion, error) {
	f.mu.Lock()
	f.calls++
	if pl.Tier != nil {
		f.lastModel = pl.Tier.ID
	}
	fn := f.completeFn
	f.mu.Unlock()
	return fn(ctx, pl)
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProvider) Stream(ctx context.Context, pl *Payload) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk, 1)
	ch <- StreamChunk{Type: ChunkDone}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) TestConnection(ctx context.Context) ConnectionTest {
	return ConnectionTest{Connected: true}
}

func (f *fakeProvider) ListModels() []string {
	out := make([]string, 0, len(f.models))
	for m := range f.models {
		out = append(out, m)
	}
	return out
}

func (f *fakeProvider) SupportsModel(model string) bool { return f.models[model] }
func (f *fakeProvider) SupportsCaching() bool           { return true }
func (f *fakeProvider) GetHealthStatus() HealthStatus   { return f.health.snapshot() }
func (f *fakeProvider) Shutdown(ctx context.Context) error {
	return f.shutdownErr
}

// recordingBus captures every emitted event synchronously.
type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Emit(topic string, data map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, events.Event{Topic: topic, Data: data})
}

func (b *recordingBus) Subscribe(topic string, fn events.Handler) func() { return func() {} }
func (b *recordingBus) Close()                                           {}

func (b *recordingBus) byTopic(topic string) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.Event
	for _, ev := range b.events {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}

// fakeTracker is a scriptable CostTracker.
type fakeTracker struct {
	mu      sync.Mutex
	allow   bool
	reason  string
	level   ThrottleLevel
	records []UsageRecord
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{allow: true, level: ThrottleNormal}
}

func (t *fakeTracker) CanProceed(ctx context.Context, estimatedTokens int, priority Priority) BudgetDecision {
	t.mu.Lock()
	defer t.mu.Unlock()
	return BudgetDecision{Allowed: t.allow, Reason: t.reason, Level: t.level}
}

func (t *fakeTracker) Track(ctx context.Context, usage UsageRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, usage)
	return nil
}

func (t *fakeTracker) ThrottleLevel() ThrottleLevel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.level
}

func (t *fakeTracker) Shutdown(ctx context.Context) error { return nil }

func (t *fakeTracker) tracked() []UsageRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]UsageRecord(nil), t.records...)
}

// fakeGovernance approves or rejects per its script.
type fakeGovernance struct {
	mu       sync.Mutex
	decision GovernanceDecision
	err      error
	asked    int
}

func (g *fakeGovernance) RequestApproval(ctx context.Context, req *AIRequest, estimatedCost catalog.Microcents, tier *catalog.ModelTier) (GovernanceDecision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.asked++
	return g.decision, g.err
}

// fakeCache is a map-backed ResponseCache.
type fakeCache struct {
	mu    sync.Mutex
	items map[string]string
	hits  int
	sets  int
}

func newFakeCache() *fakeCache {
	return &fakeCache{items: make(map[string]string)}
}

func (c *fakeCache) Get(ctx context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	if ok {
		c.hits++
	}
	return v, ok
}

func (c *fakeCache) Set(ctx context.Context, key, content string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.items[key] = content
}
