package sim

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vivarium-sim/vivarium/internal/agent"
	"github.com/vivarium-sim/vivarium/internal/llm"
	"github.com/vivarium-sim/vivarium/internal/memory"
)

// fakeStore is an in-memory Store that records phase transitions.
type fakeStore struct {
	mu        sync.Mutex
	agents    map[string]*agent.Agent
	phases    map[string][]agent.Phase
	relations map[string]map[string]float64
	events    []*agent.Event
	chats     []*agent.ChatMessage
	plans     []*agent.Plan
	pending   map[string]*agent.ChatMessage
	memTexts  map[string][]string

	failReflectionMood bool
	failExchange       bool
}

func newFakeStore(agents ...*agent.Agent) *fakeStore {
	f := &fakeStore{
		agents:    make(map[string]*agent.Agent),
		phases:    make(map[string][]agent.Phase),
		relations: make(map[string]map[string]float64),
		pending:   make(map[string]*agent.ChatMessage),
		memTexts:  make(map[string][]string),
	}
	for _, a := range agents {
		f.agents[a.ID] = a
	}
	return f
}

func (f *fakeStore) GetAgent(_ context.Context, id string) (*agent.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s not found", id)
	}
	cp := *a
	return &cp, nil
}

func (f *fakeStore) ListAgents(context.Context) ([]*agent.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*agent.Agent
	for _, a := range f.agents {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) UpdatePhase(_ context.Context, id string, phase agent.Phase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phases[id] = append(f.phases[id], phase)
	if a, ok := f.agents[id]; ok {
		a.Phase = phase
	}
	return nil
}

func (f *fakeStore) UpdateMood(_ context.Context, id string, m agent.Mood) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.agents[id]; ok {
		a.Mood = m
	}
	return nil
}

func (f *fakeStore) UpdateReflectionMood(_ context.Context, id, reflection string, m agent.Mood) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReflectionMood {
		return fmt.Errorf("agent row write refused")
	}
	if a, ok := f.agents[id]; ok {
		a.Reflection = reflection
		a.Mood = m
	}
	return nil
}

func (f *fakeStore) RecordExchange(_ context.Context, msg *agent.ChatMessage, ev *agent.Event, senderDelta, receiverDelta, maxDelta float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failExchange {
		return fmt.Errorf("exchange tx refused")
	}
	f.chats = append(f.chats, msg)
	f.events = append(f.events, ev)
	f.bumpRelation(msg.SenderID, msg.ReceiverID, senderDelta, maxDelta)
	f.bumpRelation(msg.ReceiverID, msg.SenderID, receiverDelta, maxDelta)
	return nil
}

// bumpRelation mutates the relation map; callers hold the lock.
func (f *fakeStore) bumpRelation(sourceID, targetID string, delta, maxDelta float64) float64 {
	if f.relations[sourceID] == nil {
		f.relations[sourceID] = make(map[string]float64)
	}
	score, ok := f.relations[sourceID][targetID]
	if !ok {
		score = 0.5
	}
	score = agent.ApplyDelta(score, delta, maxDelta)
	f.relations[sourceID][targetID] = score
	return score
}

func (f *fakeStore) SetPlan(_ context.Context, p *agent.Plan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans = append(f.plans, p)
	if a, ok := f.agents[p.AgentID]; ok {
		a.CurrentPlan = p.Text
	}
	return nil
}

func (f *fakeStore) ApplyRelationDelta(_ context.Context, sourceID, targetID string, delta, maxDelta float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bumpRelation(sourceID, targetID, delta, maxDelta), nil
}

func (f *fakeStore) AgentRelations(_ context.Context, agentID string) ([]*agent.Relationship, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*agent.Relationship
	for target, score := range f.relations[agentID] {
		out = append(out, &agent.Relationship{
			SourceID: agentID, TargetID: target,
			Score: score, Label: agent.RelationLabel(score),
		})
	}
	return out, nil
}

func (f *fakeStore) InsertEvent(_ context.Context, e *agent.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeStore) RecentEvents(context.Context, int) ([]*agent.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*agent.Event(nil), f.events...), nil
}

func (f *fakeStore) ActiveFocusEvent(_ context.Context, window time.Duration) (*agent.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		e := f.events[i]
		if e.Type != "agent_action" && time.Since(e.CreatedAt) < window {
			return e, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) AppendChat(_ context.Context, m *agent.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, m)
	return nil
}

func (f *fakeStore) RecentChat(_ context.Context, agentID string, limit int) ([]*agent.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*agent.ChatMessage
	for _, m := range f.chats {
		if m.SenderID == agentID || m.ReceiverID == agentID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) PendingUserMessage(_ context.Context, agentID string) (*agent.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending[agentID], nil
}

func (f *fakeStore) MarkAnswered(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, m := range f.pending {
		if m.ID == messageID {
			delete(f.pending, id)
		}
	}
	return nil
}

func (f *fakeStore) HasMemoryText(_ context.Context, agentID, text string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.memTexts[agentID] {
		if t == text {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) lastPhase(agentID string) agent.Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	ps := f.phases[agentID]
	if len(ps) == 0 {
		return ""
	}
	return ps[len(ps)-1]
}

// fakeMemory records Remember calls into the store's text log so the
// engine's HasMemoryText sees reaction markers.
type fakeMemory struct {
	store *fakeStore
}

func (m *fakeMemory) Remember(_ context.Context, agentID, text string, _ float64) (*agent.Memory, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	m.store.memTexts[agentID] = append(m.store.memTexts[agentID], text)
	return &agent.Memory{AgentID: agentID, Text: text}, nil
}

func (m *fakeMemory) RetrieveRelevant(context.Context, string, string, int) ([]memory.Scored, error) {
	return nil, nil
}

// scriptCompleter answers each purpose from a fixed script.
type scriptCompleter struct {
	mu      sync.Mutex
	replies map[llm.Purpose]string
	errs    map[llm.Purpose]error
}

func (c *scriptCompleter) Complete(_ context.Context, purpose llm.Purpose, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errs[purpose]; err != nil {
		return "", err
	}
	if reply, ok := c.replies[purpose]; ok {
		return reply, nil
	}
	return "something unremarkable", nil
}

type nopBus struct{}

func (nopBus) Publish(string, interface{}) {}

func testAgent(id, name string) *agent.Agent {
	return &agent.Agent{
		ID: id, Name: name,
		Personality: "A thoughtful gardener.",
		Mood:        agent.NeutralMood(),
		Phase:       agent.PhaseIdle,
	}
}

func newTestEngine(st *fakeStore, c *scriptCompleter) *Engine {
	return NewEngine(Config{Cooldown: time.Hour}, st, &fakeMemory{store: st}, c, nopBus{}, zap.NewNop())
}

func TestCycleWalksPhasesAndEndsIdle(t *testing.T) {
	st := newFakeStore(testAgent("a1", "Rowan"))
	c := &scriptCompleter{replies: map[llm.Purpose]string{
		llm.PurposeReflect: "The garden needs rain.\nmood: anxious 0.3",
		llm.PurposePlan:    "Water the beds before noon.",
		llm.PurposeAct:     "wait",
	}}

	if err := newTestEngine(st, c).RunCycle(context.Background(), "a1"); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	want := []agent.Phase{agent.PhaseReflecting, agent.PhasePlanning, agent.PhaseActing, agent.PhaseIdle}
	got := st.phases["a1"]
	if len(got) != len(want) {
		t.Fatalf("phase sequence %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("phase sequence %v, want %v", got, want)
		}
	}

	a, _ := st.GetAgent(context.Background(), "a1")
	if a.Mood.Label != "anxious" {
		t.Fatalf("mood line not applied, got %q", a.Mood.Label)
	}
	if a.Reflection != "The garden needs rain." {
		t.Fatalf("unexpected reflection %q", a.Reflection)
	}
	if a.CurrentPlan != "Water the beds before noon." {
		t.Fatalf("unexpected plan %q", a.CurrentPlan)
	}
}

func TestCycleFailureResetsPhaseToIdle(t *testing.T) {
	st := newFakeStore(testAgent("a1", "Rowan"))
	c := &scriptCompleter{errs: map[llm.Purpose]error{
		llm.PurposeReflect: &llm.AuthError{Provider: "deepseek", Status: 401},
	}}

	err := newTestEngine(st, c).RunCycle(context.Background(), "a1")
	if err == nil {
		t.Fatal("expected cycle failure")
	}
	if got := st.lastPhase("a1"); got != agent.PhaseIdle {
		t.Fatalf("failed cycle must reset to idle, got %q", got)
	}
}

func TestCycleReflectionWriteFailureLeavesAgentUntouched(t *testing.T) {
	st := newFakeStore(testAgent("a1", "Rowan"))
	st.failReflectionMood = true
	c := &scriptCompleter{replies: map[llm.Purpose]string{
		llm.PurposeReflect: "The garden needs rain.\nmood: anxious 0.3",
	}}

	err := newTestEngine(st, c).RunCycle(context.Background(), "a1")
	if err == nil {
		t.Fatal("expected cycle failure")
	}

	a, _ := st.GetAgent(context.Background(), "a1")
	if a.Reflection != "" {
		t.Fatalf("reflection persisted despite write failure: %q", a.Reflection)
	}
	if a.Mood != agent.NeutralMood() {
		t.Fatalf("mood persisted despite write failure: %+v", a.Mood)
	}
	if got := st.lastPhase("a1"); got != agent.PhaseIdle {
		t.Fatalf("failed cycle must reset to idle, got %q", got)
	}
}

func TestCycleSayWriteFailureLeavesNoPartialState(t *testing.T) {
	st := newFakeStore(testAgent("a1", "Rowan"), testAgent("a2", "Brook"))
	st.failExchange = true
	c := &scriptCompleter{replies: map[llm.Purpose]string{
		llm.PurposeAct: "say Brook: The fence by the mill needs fixing.",
	}}

	err := newTestEngine(st, c).RunCycle(context.Background(), "a1")
	if err == nil {
		t.Fatal("expected cycle failure")
	}

	if len(st.chats) != 0 {
		t.Fatalf("chat line survived a failed exchange: %+v", st.chats)
	}
	if len(st.events) != 0 {
		t.Fatalf("event survived a failed exchange: %+v", st.events)
	}
	if len(st.relations["a1"]) != 0 || len(st.relations["a2"]) != 0 {
		t.Fatal("affinity changed despite a failed exchange")
	}
	if got := st.lastPhase("a1"); got != agent.PhaseIdle {
		t.Fatalf("failed cycle must reset to idle, got %q", got)
	}
}

func TestCycleSayActionProducesChatEventAndDelta(t *testing.T) {
	st := newFakeStore(testAgent("a1", "Rowan"), testAgent("a2", "Brook"))
	c := &scriptCompleter{replies: map[llm.Purpose]string{
		llm.PurposeAct: "say Brook: The fence by the mill needs fixing.",
	}}

	if err := newTestEngine(st, c).RunCycle(context.Background(), "a1"); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if len(st.chats) != 1 {
		t.Fatalf("expected one chat line, got %d", len(st.chats))
	}
	msg := st.chats[0]
	if msg.SenderID != "a1" || msg.ReceiverID != "a2" {
		t.Fatalf("chat routed wrong: %+v", msg)
	}
	if len(st.events) != 1 || st.events[0].Type != "agent_action" {
		t.Fatalf("expected one agent_action event, got %+v", st.events)
	}
	if score := st.relations["a1"]["a2"]; score <= 0.5 {
		t.Fatalf("talking should nudge affinity up, got %v", score)
	}
}

func TestCycleCooldownSuppressesSecondMessage(t *testing.T) {
	st := newFakeStore(testAgent("a1", "Rowan"), testAgent("a2", "Brook"))
	c := &scriptCompleter{replies: map[llm.Purpose]string{
		llm.PurposeAct: "say Brook: Morning!",
	}}
	e := newTestEngine(st, c)

	ctx := context.Background()
	if err := e.RunCycle(ctx, "a1"); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	// Change the line so the duplicate guard is not what suppresses it.
	c.mu.Lock()
	c.replies[llm.PurposeAct] = "say Brook: Lovely weather today."
	c.mu.Unlock()
	if err := e.RunCycle(ctx, "a1"); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	if len(st.chats) != 1 {
		t.Fatalf("cooldown should suppress the second line, got %d chats", len(st.chats))
	}
}

func TestCycleReactsToFocusEventExactlyOnce(t *testing.T) {
	st := newFakeStore(testAgent("a1", "Rowan"))
	st.events = append(st.events, &agent.Event{
		ID: "ev1", Text: "A storm tore the mill sail", Type: "world", CreatedAt: time.Now(),
	})
	c := &scriptCompleter{replies: map[llm.Purpose]string{
		llm.PurposeChat: "The mill! We have to fix it before harvest.",
	}}
	e := newTestEngine(st, c)

	ctx := context.Background()
	if err := e.RunCycle(ctx, "a1"); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	reactions := 0
	for _, ev := range st.events {
		if ev.Type == "agent_action" {
			reactions++
		}
	}
	if reactions != 1 {
		t.Fatalf("expected one reaction, got %d", reactions)
	}

	if err := e.RunCycle(ctx, "a1"); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	reactions = 0
	for _, ev := range st.events {
		if ev.Type == "agent_action" {
			reactions++
		}
	}
	if reactions != 1 {
		t.Fatalf("agent must react to an event only once, got %d reactions", reactions)
	}
}

func TestCycleAnswersPendingUserMessageFirst(t *testing.T) {
	st := newFakeStore(testAgent("a1", "Rowan"))
	st.pending["a1"] = &agent.ChatMessage{
		ID: "m1", SenderType: "user", ReceiverID: "a1",
		Text: "How is the garden?", CreatedAt: time.Now(),
	}
	c := &scriptCompleter{replies: map[llm.Purpose]string{
		llm.PurposeChat: "Thriving, thanks for asking!",
		llm.PurposeAct:  "wait",
	}}

	if err := newTestEngine(st, c).RunCycle(context.Background(), "a1"); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if st.pending["a1"] != nil {
		t.Fatal("pending message was not marked answered")
	}
	if len(st.chats) != 1 || st.chats[0].SenderID != "a1" {
		t.Fatalf("expected a reply chat line, got %+v", st.chats)
	}
}

func TestParseAction(t *testing.T) {
	for _, tc := range []struct {
		in, verb, target, arg string
	}{
		{"say Brook: hello there", "say", "Brook", "hello there"},
		{"Say Brook: hello", "say", "Brook", "hello"},
		{"feel Brook: -0.1", "feel", "Brook", "-0.1"},
		{"wait", "wait", "", ""},
		{"dance wildly", "wait", "", ""},
		{"say no colon here", "wait", "", ""},
		{"say Brook: first\nsecond line ignored", "say", "Brook", "first"},
	} {
		verb, target, arg := parseAction(tc.in)
		if verb != tc.verb || target != tc.target || arg != tc.arg {
			t.Errorf("parseAction(%q) = (%q,%q,%q), want (%q,%q,%q)",
				tc.in, verb, target, arg, tc.verb, tc.target, tc.arg)
		}
	}
}

func TestCompactPlanBounds(t *testing.T) {
	long := strings.Repeat("Walk to the well. ", 40)
	got := compactPlan(long, 220)
	if n := len([]rune(got)); n > 220 {
		t.Fatalf("plan not compacted: %d runes", n)
	}
	if !strings.HasSuffix(got, ".") {
		t.Fatalf("expected sentence-boundary cut, got %q", got)
	}

	short := "Visit  the\n market."
	if got := compactPlan(short, 220); got != "Visit the market." {
		t.Fatalf("whitespace not flattened: %q", got)
	}
}

func TestGuardMessage(t *testing.T) {
	if _, ok := GuardMessage("A perfectly fine line.", nil); !ok {
		t.Fatal("normal line rejected")
	}
	if _, ok := GuardMessage("", nil); ok {
		t.Fatal("empty line accepted")
	}
	if _, ok := GuardMessage("As an AI language model I cannot gossip.", nil); ok {
		t.Fatal("banned fragment accepted")
	}
	if _, ok := GuardMessage(strings.Repeat("x", 300), nil); ok {
		t.Fatal("overlong line accepted")
	}
	if _, ok := GuardMessage("ha ha ha ha ha ha ha ha", nil); ok {
		t.Fatal("degenerate repetition accepted")
	}
	if _, ok := GuardMessage("Morning!", []string{"morning!"}); ok {
		t.Fatal("duplicate of recent line accepted")
	}
	fallback, ok := GuardMessage("", nil)
	if ok || fallback == "" {
		t.Fatal("rejection must produce a fallback line")
	}
}
