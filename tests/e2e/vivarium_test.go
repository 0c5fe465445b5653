//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vivarium-sim/vivarium/internal/agent"
	"github.com/vivarium-sim/vivarium/internal/api"
	"github.com/vivarium-sim/vivarium/internal/embedding"
	"github.com/vivarium-sim/vivarium/internal/llm"
	"github.com/vivarium-sim/vivarium/internal/memory"
	"github.com/vivarium-sim/vivarium/internal/realtime"
	"github.com/vivarium-sim/vivarium/internal/sim"
	"github.com/vivarium-sim/vivarium/internal/store"
	"github.com/vivarium-sim/vivarium/internal/vectorstore"
)

var (
	testLogger   *zap.Logger
	testStore    *store.Store
	testRedisURL string
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger = zap.NewNop()

	dsn, stopPG, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres container: %v\n", err)
		os.Exit(1)
	}

	redisURL, stopRedis, err := startRedis(ctx)
	if err != nil {
		stopPG()
		fmt.Fprintf(os.Stderr, "redis container: %v\n", err)
		os.Exit(1)
	}
	testRedisURL = redisURL

	st, err := store.New(dsn, testLogger)
	if err != nil {
		stopRedis()
		stopPG()
		fmt.Fprintf(os.Stderr, "connect store: %v\n", err)
		os.Exit(1)
	}
	if err := st.Migrate(ctx, "../../migrations"); err != nil {
		stopRedis()
		stopPG()
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	testStore = st

	code := m.Run()

	st.Close()
	stopRedis()
	stopPG()
	os.Exit(code)
}

// stack wires the whole engine against the shared Postgres, with the
// embedded vector index and the deterministic LLM provider.
type stack struct {
	store     *store.Store
	memory    *memory.Service
	gateway   *llm.Gateway
	engine    *sim.Engine
	bus       *realtime.Bus
	server    *httptest.Server
	clock     *sim.Clock
	scheduler *sim.Scheduler
}

func newStack(t *testing.T) *stack {
	t.Helper()

	gw := llm.NewGateway(llm.Config{Provider: "none", Model: "none"}, testLogger)
	embedder := embedding.NewHashProvider(128)
	index := vectorstore.NewChromem()
	memSvc := memory.NewService(memory.Config{Budget: 10, BatchSize: 4}, testStore, index, embedder, gw, testLogger)

	bus := realtime.NewBus()
	hub := realtime.NewWSHub(bus, testLogger)

	engine := sim.NewEngine(sim.Config{Cooldown: time.Hour}, testStore, memSvc, gw, bus, testLogger)

	clock := sim.NewClock(time.Minute, 1, 2, testLogger)
	scheduler := sim.NewScheduler(engine, func(ctx context.Context) ([]string, error) {
		agents, err := testStore.ListAgents(ctx)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(agents))
		for i, a := range agents {
			ids[i] = a.ID
		}
		return ids, nil
	}, 4, 5*time.Second, testLogger)
	clock.AddListener(scheduler)

	handler := api.NewHandler(testStore, index, gw, clock, scheduler, bus, hub, testLogger)
	ts := httptest.NewServer(handler.Router())
	t.Cleanup(func() {
		ts.Close()
		clock.Stop()
		scheduler.Stop()
	})

	return &stack{
		store: testStore, memory: memSvc, gateway: gw, engine: engine,
		bus: bus, server: ts, clock: clock, scheduler: scheduler,
	}
}

func postJSON(t *testing.T, url string, body interface{}, out interface{}) int {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestAgentLifecycleEndToEnd(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	var created agent.Agent
	code := postJSON(t, s.server.URL+"/api/agents", map[string]string{
		"name":        "Brook",
		"personality": "a patient miller who notices small things",
	}, &created)
	if code != 201 {
		t.Fatalf("create agent: status %d", code)
	}
	defer testStore.DeleteAgent(ctx, created.ID)

	// Inject a world event and a user message so the cycle has material.
	if code := postJSON(t, s.server.URL+"/api/events", map[string]string{
		"text": "a traveling merchant sets up a stall in the square",
	}, nil); code != 201 {
		t.Fatalf("inject event: status %d", code)
	}
	if code := postJSON(t, s.server.URL+"/api/messages", map[string]string{
		"agent_id": created.ID,
		"text":     "what do you think of the merchant?",
	}, nil); code != 202 {
		t.Fatalf("send message: status %d", code)
	}

	if err := s.engine.RunCycle(ctx, created.ID); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	got, err := testStore.GetAgent(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Phase != agent.PhaseIdle {
		t.Errorf("cycle should end idle, got %q", got.Phase)
	}
	if got.Reflection == "" {
		t.Error("cycle did not persist a reflection")
	}

	plan, err := testStore.ActivePlan(ctx, created.ID)
	if err != nil {
		t.Fatalf("ActivePlan: %v", err)
	}
	if plan == nil || plan.Text == "" {
		t.Error("cycle did not persist an active plan")
	}

	// The pending user message must have been answered.
	pending, err := testStore.PendingUserMessage(ctx, created.ID)
	if err != nil {
		t.Fatalf("PendingUserMessage: %v", err)
	}
	if pending != nil {
		t.Errorf("user message still pending: %+v", pending)
	}

	memories, err := testStore.ListMemories(ctx, created.ID, 0)
	if err != nil {
		t.Fatalf("ListMemories: %v", err)
	}
	if len(memories) == 0 {
		t.Error("cycle left no memories behind")
	}
}

func TestMemoryOverflowAgainstPostgres(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	agentID := uuid.NewString()
	a := &agent.Agent{
		ID: agentID, Name: "Sable", Mood: agent.NeutralMood(),
		Phase: agent.PhaseIdle, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := testStore.SaveAgent(ctx, a); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	defer testStore.DeleteAgent(ctx, agentID)

	for i := 0; i < 25; i++ {
		text := fmt.Sprintf("observation %d: the river level changed again", i)
		if _, err := s.memory.Remember(ctx, agentID, text, 0.5); err != nil {
			t.Fatalf("Remember %d: %v", i, err)
		}
	}

	live, err := testStore.CountLiveMemories(ctx, agentID)
	if err != nil {
		t.Fatalf("CountLiveMemories: %v", err)
	}
	// Budget 10, batch 4: the live count stays within budget + batch.
	if live > 14 {
		t.Errorf("live memories not bounded: %d", live)
	}

	summary, err := testStore.LatestSummary(ctx, agentID)
	if err != nil {
		t.Fatalf("LatestSummary: %v", err)
	}
	if summary == nil || !summary.IsSummary {
		t.Fatal("overflow produced no summary")
	}

	scored, err := s.memory.RetrieveRelevant(ctx, agentID, "river level", 6)
	if err != nil {
		t.Fatalf("RetrieveRelevant: %v", err)
	}
	if len(scored) == 0 {
		t.Fatal("retrieval returned nothing")
	}
	if len(scored) > 6 {
		t.Fatalf("retrieval exceeded its limit: %d", len(scored))
	}

	// With room left under the limit the latest summary rides along.
	roomy, err := s.memory.RetrieveRelevant(ctx, agentID, "river level", 40)
	if err != nil {
		t.Fatalf("RetrieveRelevant: %v", err)
	}
	hasSummary := false
	for _, sc := range roomy {
		if sc.Memory.IsSummary {
			hasSummary = true
		}
	}
	if !hasSummary {
		t.Error("retrieval did not include the latest summary")
	}
}

func TestRedisBridgeFansOutAcrossInstances(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	busA := realtime.NewBus()
	busB := realtime.NewBus()

	bridgeA, err := realtime.NewRedisBridge(testRedisURL, busA, testLogger)
	if err != nil {
		t.Fatalf("bridge A: %v", err)
	}
	defer bridgeA.Close()
	bridgeB, err := realtime.NewRedisBridge(testRedisURL, busB, testLogger)
	if err != nil {
		t.Fatalf("bridge B: %v", err)
	}
	defer bridgeB.Close()

	go bridgeA.Run(ctx)
	go bridgeB.Run(ctx)

	events, unsubscribe := busB.Subscribe()
	defer unsubscribe()

	// Give both bridges time to attach to the stream before publishing.
	time.Sleep(300 * time.Millisecond)
	busA.Publish(realtime.KindWorldEvent, map[string]string{"text": "it begins to rain"})

	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == realtime.KindWorldEvent {
				return
			}
		case <-deadline:
			t.Fatal("event never crossed the bridge")
		}
	}
}
