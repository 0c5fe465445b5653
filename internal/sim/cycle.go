package sim

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vivarium-sim/vivarium/internal/agent"
	"github.com/vivarium-sim/vivarium/internal/llm"
	"github.com/vivarium-sim/vivarium/internal/memory"
)

// Store is the slice of the persistence layer the engine drives. Each
// phase lands its relational outcome in one statement or transaction,
// so a failed phase leaves no partial agent state behind. Memory rows
// are additive and go through the memory service instead.
type Store interface {
	GetAgent(ctx context.Context, id string) (*agent.Agent, error)
	ListAgents(ctx context.Context) ([]*agent.Agent, error)
	UpdatePhase(ctx context.Context, id string, phase agent.Phase) error
	UpdateMood(ctx context.Context, id string, m agent.Mood) error
	UpdateReflectionMood(ctx context.Context, id, reflection string, m agent.Mood) error
	RecordExchange(ctx context.Context, msg *agent.ChatMessage, ev *agent.Event, senderDelta, receiverDelta, maxDelta float64) error
	SetPlan(ctx context.Context, p *agent.Plan) error
	ApplyRelationDelta(ctx context.Context, sourceID, targetID string, delta, maxDelta float64) (float64, error)
	AgentRelations(ctx context.Context, agentID string) ([]*agent.Relationship, error)
	InsertEvent(ctx context.Context, e *agent.Event) error
	RecentEvents(ctx context.Context, limit int) ([]*agent.Event, error)
	ActiveFocusEvent(ctx context.Context, window time.Duration) (*agent.Event, error)
	AppendChat(ctx context.Context, m *agent.ChatMessage) error
	RecentChat(ctx context.Context, agentID string, limit int) ([]*agent.ChatMessage, error)
	PendingUserMessage(ctx context.Context, agentID string) (*agent.ChatMessage, error)
	MarkAnswered(ctx context.Context, messageID string) error
	HasMemoryText(ctx context.Context, agentID, text string) (bool, error)
}

// MemoryService is the slice of the memory store the engine needs.
type MemoryService interface {
	Remember(ctx context.Context, agentID, text string, importance float64) (*agent.Memory, error)
	RetrieveRelevant(ctx context.Context, agentID, query string, limit int) ([]memory.Scored, error)
}

// Completer issues purposed completions.
type Completer interface {
	Complete(ctx context.Context, purpose llm.Purpose, prompt string) (string, error)
}

// Publisher pushes events to observers.
type Publisher interface {
	Publish(kind string, data interface{})
}

// Config tunes the cognition cycle.
type Config struct {
	RelationMaxDelta float64       // single-interaction affinity bound
	MoodDecay        float64       // per-tick drift toward neutral
	Cooldown         time.Duration // minimum gap between generated chat lines
	EventFocus       time.Duration // how long an injected event demands reactions
	PlanMaxLen       int           // compacted plan length
}

func (c Config) withDefaults() Config {
	if c.RelationMaxDelta <= 0 {
		c.RelationMaxDelta = 0.2
	}
	if c.MoodDecay <= 0 {
		c.MoodDecay = 0.02
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 8 * time.Second
	}
	if c.EventFocus <= 0 {
		c.EventFocus = 180 * time.Second
	}
	if c.PlanMaxLen <= 0 {
		c.PlanMaxLen = 220
	}
	return c
}

// Engine runs the reflect -> plan -> act cycle for one agent at a time.
// The scheduler guarantees single flight per agent; the engine persists
// the phase on every transition so an operator can see where a cycle is.
type Engine struct {
	cfg     Config
	store   Store
	memory  MemoryService
	gateway Completer
	bus     Publisher
	logger  *zap.Logger

	mu        sync.Mutex
	cooldowns map[string]time.Time
}

// NewEngine wires a cognition engine.
func NewEngine(cfg Config, st Store, mem MemoryService, gw Completer, bus Publisher, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		store:     st,
		memory:    mem,
		gateway:   gw,
		bus:       bus,
		logger:    logger,
		cooldowns: make(map[string]time.Time),
	}
}

// RunCycle executes one full cycle. Any phase failure resets the agent
// to idle and surfaces the error; the next tick starts fresh.
func (e *Engine) RunCycle(ctx context.Context, agentID string) error {
	a, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}

	if err := e.runPhases(ctx, a); err != nil {
		if idleErr := e.store.UpdatePhase(context.WithoutCancel(ctx), agentID, agent.PhaseIdle); idleErr != nil {
			e.logger.Error("phase reset failed", zap.String("agent", agentID), zap.Error(idleErr))
		}
		return err
	}
	return e.store.UpdatePhase(ctx, agentID, agent.PhaseIdle)
}

func (e *Engine) runPhases(ctx context.Context, a *agent.Agent) error {
	reflection, mood, err := e.reflect(ctx, a)
	if err != nil {
		return fmt.Errorf("reflect %s: %w", a.ID, err)
	}
	a.Reflection = reflection
	a.Mood = mood

	plan, err := e.plan(ctx, a)
	if err != nil {
		return fmt.Errorf("plan %s: %w", a.ID, err)
	}
	a.CurrentPlan = plan

	if err := e.act(ctx, a); err != nil {
		return fmt.Errorf("act %s: %w", a.ID, err)
	}
	return nil
}

// --- reflecting ---

var moodLineRe = regexp.MustCompile(`(?mi)^\s*mood:\s*([a-zA-Z]+)[\s,]+([0-9.]+)\s*$`)

func (e *Engine) reflect(ctx context.Context, a *agent.Agent) (string, agent.Mood, error) {
	if err := e.store.UpdatePhase(ctx, a.ID, agent.PhaseReflecting); err != nil {
		return "", a.Mood, err
	}

	// A waiting direct message is answered before anything else.
	if err := e.answerPendingMessage(ctx, a); err != nil {
		e.logger.Warn("pending message not answered", zap.String("agent", a.ID), zap.Error(err))
	}

	events, err := e.store.RecentEvents(ctx, 5)
	if err != nil {
		return "", a.Mood, err
	}
	chat, err := e.store.RecentChat(ctx, a.ID, 8)
	if err != nil {
		return "", a.Mood, err
	}

	query := retrievalQuery(events, chat)
	memories, err := e.memory.RetrieveRelevant(ctx, a.ID, query, 6)
	if err != nil {
		return "", a.Mood, err
	}

	prompt := reflectionPrompt(a, memories, events, chat)
	raw, err := e.gateway.Complete(ctx, llm.PurposeReflect, prompt)
	if err != nil {
		return "", a.Mood, err
	}

	reflection, mood := splitMoodLine(raw, a.Mood)
	if mood.Label == a.Mood.Label && mood.Score == a.Mood.Score {
		// No usable mood in the text: derive one from relationships.
		if derived, ok := e.moodFromRelations(ctx, a.ID); ok {
			mood = derived
		}
	}

	// The memory row is additive and goes in first; the agent row then
	// takes reflection and mood in one statement, so a failure never
	// leaves one without the other.
	if _, err := e.memory.Remember(ctx, a.ID, reflection, -1); err != nil {
		return "", a.Mood, err
	}
	if err := e.store.UpdateReflectionMood(ctx, a.ID, reflection, mood); err != nil {
		return "", a.Mood, err
	}

	e.bus.Publish("agent_update", map[string]interface{}{
		"id":         a.ID,
		"phase":      string(agent.PhaseReflecting),
		"mood":       mood,
		"reflection": reflection,
	})
	return reflection, mood, nil
}

// splitMoodLine extracts a trailing "mood: <label> <score>" line. The
// current mood is returned unchanged when nothing usable is found.
func splitMoodLine(raw string, current agent.Mood) (string, agent.Mood) {
	match := moodLineRe.FindStringSubmatch(raw)
	text := strings.TrimSpace(moodLineRe.ReplaceAllString(raw, ""))
	if text == "" {
		text = strings.TrimSpace(raw)
	}
	if match == nil {
		return text, current
	}
	mood, ok := agent.MoodForLabel(strings.ToLower(match[1]))
	if !ok {
		return text, current
	}
	if score, err := strconv.ParseFloat(match[2], 64); err == nil && score >= 0 && score <= 1 {
		mood.Score = score
	}
	return text, mood
}

func (e *Engine) moodFromRelations(ctx context.Context, agentID string) (agent.Mood, bool) {
	relations, err := e.store.AgentRelations(ctx, agentID)
	if err != nil || len(relations) == 0 {
		return agent.Mood{}, false
	}
	sum := 0.0
	for _, r := range relations {
		sum += r.Score
	}
	mean := sum / float64(len(relations))
	mood := agent.MoodForScore(mean)
	mood.Score = mean
	return mood, true
}

func (e *Engine) answerPendingMessage(ctx context.Context, a *agent.Agent) error {
	pending, err := e.store.PendingUserMessage(ctx, a.ID)
	if err != nil || pending == nil {
		return err
	}

	prompt := fmt.Sprintf("You are %s. %s\nA visitor says to you: %q\nReply in one or two sentences.",
		a.Name, a.Personality, pending.Text)
	raw, err := e.gateway.Complete(ctx, llm.PurposeChat, prompt)
	if err != nil {
		return err
	}
	reply, _ := GuardMessage(raw, recentTexts(nil))

	msg := &agent.ChatMessage{
		ID:         uuid.NewString(),
		SenderType: "agent",
		SenderID:   a.ID,
		Text:       reply,
		Topic:      pending.Topic,
		CreatedAt:  time.Now(),
	}
	if err := e.store.AppendChat(ctx, msg); err != nil {
		return err
	}
	if err := e.store.MarkAnswered(ctx, pending.ID); err != nil {
		return err
	}
	if _, err := e.memory.Remember(ctx, a.ID,
		fmt.Sprintf("A visitor asked me: %s. I answered: %s", pending.Text, reply), 0.6); err != nil {
		return err
	}

	e.bus.Publish("chat", msg)
	return nil
}

// --- planning ---

func (e *Engine) plan(ctx context.Context, a *agent.Agent) (string, error) {
	if err := e.store.UpdatePhase(ctx, a.ID, agent.PhasePlanning); err != nil {
		return "", err
	}

	relations, err := e.store.AgentRelations(ctx, a.ID)
	if err != nil {
		return "", err
	}
	all, err := e.store.ListAgents(ctx)
	if err != nil {
		return "", err
	}
	names := make(map[string]string, len(all))
	for _, other := range all {
		names[other.ID] = other.Name
	}

	raw, err := e.gateway.Complete(ctx, llm.PurposePlan, planPrompt(a, relations, names))
	if err != nil {
		return "", err
	}
	text := compactPlan(raw, e.cfg.PlanMaxLen)

	p := &agent.Plan{
		ID:        uuid.NewString(),
		AgentID:   a.ID,
		Text:      text,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := e.store.SetPlan(ctx, p); err != nil {
		return "", err
	}

	e.bus.Publish("agent_update", map[string]interface{}{
		"id":    a.ID,
		"phase": string(agent.PhasePlanning),
		"plan":  text,
	})
	return text, nil
}

// compactPlan flattens whitespace and clips the plan to maxLen runes,
// cutting at a sentence boundary when one is close enough.
func compactPlan(text string, maxLen int) string {
	flat := strings.Join(strings.Fields(text), " ")
	runes := []rune(flat)
	if len(runes) <= maxLen {
		return flat
	}
	clipped := string(runes[:maxLen])
	if i := strings.LastIndexByte(clipped, '.'); i > maxLen/2 {
		return clipped[:i+1]
	}
	return strings.TrimSpace(clipped)
}

// --- acting ---

func (e *Engine) act(ctx context.Context, a *agent.Agent) error {
	if err := e.store.UpdatePhase(ctx, a.ID, agent.PhaseActing); err != nil {
		return err
	}

	// An injected event inside its focus window takes priority; each
	// agent reacts to it exactly once.
	focus, err := e.store.ActiveFocusEvent(ctx, e.cfg.EventFocus)
	if err != nil {
		return err
	}
	if focus != nil {
		reacted, err := e.store.HasMemoryText(ctx, a.ID, reactionMarker(focus.ID))
		if err != nil {
			return err
		}
		if !reacted {
			return e.reactToEvent(ctx, a, focus)
		}
	}

	all, err := e.store.ListAgents(ctx)
	if err != nil {
		return err
	}
	raw, err := e.gateway.Complete(ctx, llm.PurposeAct, actPrompt(a, all))
	if err != nil {
		return err
	}

	verb, targetName, arg := parseAction(raw)
	switch verb {
	case "say":
		return e.actSay(ctx, a, targetName, arg)
	case "feel":
		return e.actFeel(ctx, a, targetName, arg)
	default:
		return e.actWait(ctx, a)
	}
}

func reactionMarker(eventID string) string { return "evt_rx_" + eventID }

func (e *Engine) reactToEvent(ctx context.Context, a *agent.Agent, ev *agent.Event) error {
	prompt := fmt.Sprintf("You are %s. %s\nSomething just happened: %s\nSay one line reacting to it.",
		a.Name, a.Personality, ev.Text)
	raw, err := e.gateway.Complete(ctx, llm.PurposeChat, prompt)
	if err != nil {
		return err
	}
	line, _ := GuardMessage(raw, nil)

	if _, err := e.memory.Remember(ctx, a.ID, reactionMarker(ev.ID), 0.1); err != nil {
		return err
	}
	if _, err := e.memory.Remember(ctx, a.ID,
		fmt.Sprintf("Reacted to %q: %s", memory.Clip(ev.Text, 120), line), 0.6); err != nil {
		return err
	}

	action := &agent.Event{
		ID:        uuid.NewString(),
		Text:      fmt.Sprintf("%s: %s", a.Name, line),
		Type:      "agent_action",
		CreatedAt: time.Now(),
	}
	if err := e.store.InsertEvent(ctx, action); err != nil {
		return err
	}
	e.bus.Publish("world_event", action)
	return nil
}

func (e *Engine) actSay(ctx context.Context, a *agent.Agent, targetName, text string) error {
	if e.onCooldown(a.ID) {
		return e.actWait(ctx, a)
	}
	target, err := e.resolveAgent(ctx, targetName, a.ID)
	if err != nil {
		return e.actWait(ctx, a)
	}

	recent, err := e.store.RecentChat(ctx, a.ID, 6)
	if err != nil {
		return err
	}
	line, ok := GuardMessage(text, recentTexts(recent))
	if !ok {
		e.logger.Debug("chat line replaced by guard", zap.String("agent", a.ID))
	}

	msg := &agent.ChatMessage{
		ID:         uuid.NewString(),
		SenderType: "agent",
		SenderID:   a.ID,
		ReceiverID: target.ID,
		Text:       line,
		CreatedAt:  time.Now(),
	}
	// Memory rows are additive; the transcript, event and affinity
	// nudges commit together so none of them can exist alone.
	if _, err := e.memory.Remember(ctx, a.ID,
		fmt.Sprintf("I told %s: %s", target.Name, line), 0.5); err != nil {
		return err
	}
	if _, err := e.memory.Remember(ctx, target.ID,
		fmt.Sprintf("%s told me: %s", a.Name, line), 0.5); err != nil {
		return err
	}

	action := &agent.Event{
		ID:        uuid.NewString(),
		Text:      fmt.Sprintf("%s said to %s: %s", a.Name, target.Name, line),
		Type:      "agent_action",
		CreatedAt: time.Now(),
	}
	if err := e.store.RecordExchange(ctx, msg, action, 0.03, 0.02, e.cfg.RelationMaxDelta); err != nil {
		return err
	}
	e.setCooldown(a.ID)

	e.bus.Publish("chat", msg)
	e.bus.Publish("world_event", action)
	return nil
}

func (e *Engine) actFeel(ctx context.Context, a *agent.Agent, targetName, arg string) error {
	delta, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
	if err != nil {
		return e.actWait(ctx, a)
	}
	target, err := e.resolveAgent(ctx, targetName, a.ID)
	if err != nil {
		return e.actWait(ctx, a)
	}

	score, err := e.store.ApplyRelationDelta(ctx, a.ID, target.ID, delta, e.cfg.RelationMaxDelta)
	if err != nil {
		return err
	}
	if _, err := e.memory.Remember(ctx, a.ID,
		fmt.Sprintf("My feelings about %s shifted; we are %s now.", target.Name, agent.RelationLabel(score)), 0.5); err != nil {
		return err
	}
	if mood, ok := e.moodFromRelations(ctx, a.ID); ok {
		if err := e.store.UpdateMood(ctx, a.ID, mood); err != nil {
			return err
		}
	}

	action := &agent.Event{
		ID:        uuid.NewString(),
		Text:      fmt.Sprintf("%s reconsiders their feelings about %s", a.Name, target.Name),
		Type:      "agent_action",
		CreatedAt: time.Now(),
	}
	if err := e.store.InsertEvent(ctx, action); err != nil {
		return err
	}
	e.bus.Publish("world_event", action)
	return nil
}

// actWait is the no-op branch: no event, mood drifts toward neutral.
func (e *Engine) actWait(ctx context.Context, a *agent.Agent) error {
	mood := agent.DecayMood(a.Mood, e.cfg.MoodDecay)
	if mood != a.Mood {
		if err := e.store.UpdateMood(ctx, a.ID, mood); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) resolveAgent(ctx context.Context, name, selfID string) (*agent.Agent, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("empty target name")
	}
	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		if a.ID != selfID && strings.EqualFold(a.Name, name) {
			return a, nil
		}
	}
	return nil, fmt.Errorf("no agent named %q", name)
}

func (e *Engine) onCooldown(agentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Now().Before(e.cooldowns[agentID])
}

func (e *Engine) setCooldown(agentID string) {
	e.mu.Lock()
	e.cooldowns[agentID] = time.Now().Add(e.cfg.Cooldown)
	e.mu.Unlock()
}

// parseAction splits "say Name: text" / "feel Name: delta" / "wait".
func parseAction(raw string) (verb, target, arg string) {
	line := strings.TrimSpace(raw)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	lower := strings.ToLower(line)
	switch {
	case strings.HasPrefix(lower, "say "):
		verb = "say"
		line = line[4:]
	case strings.HasPrefix(lower, "feel "):
		verb = "feel"
		line = line[5:]
	default:
		return "wait", "", ""
	}
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 {
		return "wait", "", ""
	}
	return verb, strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// --- prompt assembly ---

func retrievalQuery(events []*agent.Event, chat []*agent.ChatMessage) string {
	var b strings.Builder
	for _, ev := range events {
		b.WriteString(ev.Text)
		b.WriteByte('\n')
	}
	for _, m := range chat {
		b.WriteString(m.Text)
		b.WriteByte('\n')
	}
	if b.Len() == 0 {
		return "what happened recently"
	}
	return b.String()
}

func reflectionPrompt(a *agent.Agent, memories []memory.Scored, events []*agent.Event, chat []*agent.ChatMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s. %s\nCurrent mood: %s.\n", a.Name, a.Personality, a.Mood.Label)
	if len(memories) > 0 {
		b.WriteString("\nWhat you remember:\n")
		for _, m := range memories {
			fmt.Fprintf(&b, "- %s\n", m.Memory.Text)
		}
	}
	if len(events) > 0 {
		b.WriteString("\nRecent happenings:\n")
		for _, ev := range events {
			fmt.Fprintf(&b, "- %s\n", ev.Text)
		}
	}
	if len(chat) > 0 {
		b.WriteString("\nRecent conversations:\n")
		for _, m := range chat {
			fmt.Fprintf(&b, "- %s\n", m.Text)
		}
	}
	return b.String()
}

func planPrompt(a *agent.Agent, relations []*agent.Relationship, names map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s. %s\nMood: %s.\nLatest reflection: %s\n",
		a.Name, a.Personality, a.Mood.Label, a.Reflection)
	if len(relations) > 0 {
		b.WriteString("Relationships:\n")
		for _, r := range relations {
			name := names[r.TargetID]
			if name == "" {
				name = r.TargetID
			}
			fmt.Fprintf(&b, "- %s (%s, %.2f)\n", name, r.Label, r.Score)
		}
	}
	return b.String()
}

func actPrompt(a *agent.Agent, all []*agent.Agent) string {
	var names []string
	for _, other := range all {
		if other.ID != a.ID {
			names = append(names, other.Name)
		}
	}
	return fmt.Sprintf("You are %s. %s\nMood: %s.\nYour plan: %s\nPeople around: %s\n",
		a.Name, a.Personality, a.Mood.Label, a.CurrentPlan, strings.Join(names, ", "))
}

func recentTexts(chat []*agent.ChatMessage) []string {
	out := make([]string, 0, len(chat))
	for _, m := range chat {
		out = append(out, m.Text)
	}
	return out
}
