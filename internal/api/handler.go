package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vivarium-sim/vivarium/internal/agent"
	"github.com/vivarium-sim/vivarium/internal/llm"
	"github.com/vivarium-sim/vivarium/internal/realtime"
	"github.com/vivarium-sim/vivarium/internal/sim"
	"github.com/vivarium-sim/vivarium/internal/store"
	"github.com/vivarium-sim/vivarium/internal/vectorstore"
)

// Storage is the persistence surface the handlers use.
type Storage interface {
	SaveAgent(ctx context.Context, a *agent.Agent) error
	GetAgent(ctx context.Context, id string) (*agent.Agent, error)
	ListAgents(ctx context.Context) ([]*agent.Agent, error)
	DeleteAgent(ctx context.Context, id string) error
	ListMemories(ctx context.Context, agentID string, limit int) ([]*agent.Memory, error)
	AgentRelations(ctx context.Context, agentID string) ([]*agent.Relationship, error)
	AllRelations(ctx context.Context) ([]*agent.Relationship, error)
	InsertEvent(ctx context.Context, e *agent.Event) error
	RecentEvents(ctx context.Context, limit int) ([]*agent.Event, error)
	AppendChat(ctx context.Context, m *agent.ChatMessage) error
	ActivePlan(ctx context.Context, agentID string) (*agent.Plan, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	store     Storage
	index     vectorstore.Index
	gateway   *llm.Gateway
	clock     *sim.Clock
	scheduler *sim.Scheduler
	bus       *realtime.Bus
	wsHub     *realtime.WSHub
	logger    *zap.Logger
}

// NewHandler creates the API handler.
func NewHandler(st Storage, index vectorstore.Index, gateway *llm.Gateway,
	clock *sim.Clock, scheduler *sim.Scheduler, bus *realtime.Bus,
	wsHub *realtime.WSHub, logger *zap.Logger) *Handler {
	return &Handler{
		store:     st,
		index:     index,
		gateway:   gateway,
		clock:     clock,
		scheduler: scheduler,
		bus:       bus,
		wsHub:     wsHub,
		logger:    logger,
	}
}

type ctxKey int

const ownerKey ctxKey = 0

// ownerMiddleware resolves the acting principal from a header. Auth is a
// collaborator's concern; the engine trusts what it is handed.
func ownerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if owner := r.Header.Get("X-Owner-ID"); owner != "" {
			r = r.WithContext(context.WithValue(r.Context(), ownerKey, owner))
		}
		next.ServeHTTP(w, r)
	})
}

// Owner returns the principal resolved for this request, if any.
func Owner(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey).(string)
	return owner
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(ownerMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Owner-ID"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.createAgent)
		r.Get("/agents/{id}", h.getAgent)
		r.Delete("/agents/{id}", h.deleteAgent)
		r.Get("/agents/{id}/mood", h.getAgentMood)
		r.Get("/agents/{id}/plan", h.getAgentPlan)
		r.Get("/agents/{id}/reflection", h.getAgentReflection)
		r.Get("/agents/{id}/memories", h.getAgentMemories)
		r.Get("/agents/{id}/relations", h.getAgentRelations)
		r.Get("/relations", h.listRelations)

		r.Post("/events", h.injectEvent)
		r.Post("/messages", h.sendUserMessage)

		r.Get("/simulation/status", h.simulationStatus)
		r.Post("/simulation/start", h.startSimulation)
		r.Post("/simulation/stop", h.stopSimulation)
		r.Get("/time-speed", h.getTimeSpeed)
		r.Post("/time-speed", h.setTimeSpeed)

		r.Get("/llm/status", h.llmStatus)
		r.Patch("/llm/config", h.updateLLMConfig)
		r.Get("/llm/providers", h.listLLMProviders)
		r.Post("/llm/test", h.testLLM)

		r.Get("/events/stream", h.streamEvents)
	})

	r.Get("/ws/events", h.wsHub.ServeHTTP)

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- agents ---

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.store.ListAgents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if agents == nil {
		agents = []*agent.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

type createAgentRequest struct {
	Name        string             `json:"name"`
	Avatar      string             `json:"avatar"`
	AvatarColor string             `json:"avatar_color"`
	Personality string             `json:"personality"`
	Traits      map[string]float64 `json:"traits"`
}

func (h *Handler) createAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}

	now := time.Now()
	a := &agent.Agent{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Avatar:      req.Avatar,
		AvatarColor: req.AvatarColor,
		Personality: req.Personality,
		Traits:      req.Traits,
		Mood:        agent.NeutralMood(),
		Phase:       agent.PhaseIdle,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.store.SaveAgent(r.Context(), a); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	h.logger.Info("agent created",
		zap.String("agent", a.ID),
		zap.String("owner", Owner(r.Context())))
	h.bus.Publish(realtime.KindAgentUpdate, a)
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.store.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) deleteAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.DeleteAgent(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	// Relational rows cascade; vectors are dropped separately.
	if err := h.index.DropAgent(r.Context(), id); err != nil {
		h.logger.Warn("vector cleanup failed", zap.String("agent", id), zap.Error(err))
	}

	h.logger.Info("agent deleted",
		zap.String("agent", id),
		zap.String("owner", Owner(r.Context())))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

func (h *Handler) getAgentMood(w http.ResponseWriter, r *http.Request) {
	a, err := h.store.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Mood)
}

func (h *Handler) getAgentPlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetAgent(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	plan, err := h.store.ActivePlan(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if plan == nil {
		writeJSON(w, http.StatusOK, map[string]string{"agent_id": id, "text": ""})
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (h *Handler) getAgentReflection(w http.ResponseWriter, r *http.Request) {
	a, err := h.store.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": a.ID, "reflection": a.Reflection})
}

func (h *Handler) getAgentMemories(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetAgent(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	memories, err := h.store.ListMemories(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if memories == nil {
		memories = []*agent.Memory{}
	}
	writeJSON(w, http.StatusOK, memories)
}

func (h *Handler) getAgentRelations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetAgent(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	relations, err := h.store.AgentRelations(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if relations == nil {
		relations = []*agent.Relationship{}
	}
	writeJSON(w, http.StatusOK, relations)
}

func (h *Handler) listRelations(w http.ResponseWriter, r *http.Request) {
	relations, err := h.store.AllRelations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if relations == nil {
		relations = []*agent.Relationship{}
	}
	writeJSON(w, http.StatusOK, relations)
}

// --- events and messages ---

type injectEventRequest struct {
	Text string `json:"text"`
	Type string `json:"type"`
}

func (h *Handler) injectEvent(w http.ResponseWriter, r *http.Request) {
	var req injectEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}
	if req.Type == "" {
		req.Type = "world"
	}
	if req.Type != "world" && req.Type != "user_event" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown event type %q", req.Type))
		return
	}

	ev := &agent.Event{
		ID:        uuid.NewString(),
		Text:      req.Text,
		Type:      req.Type,
		CreatedAt: time.Now(),
	}
	if err := h.store.InsertEvent(r.Context(), ev); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.bus.Publish(realtime.KindWorldEvent, ev)
	writeJSON(w, http.StatusCreated, ev)
}

type userMessageRequest struct {
	AgentID string `json:"agent_id"`
	Text    string `json:"text"`
	Topic   string `json:"topic"`
}

func (h *Handler) sendUserMessage(w http.ResponseWriter, r *http.Request) {
	var req userMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.AgentID == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, errors.New("agent_id and text are required"))
		return
	}
	if _, err := h.store.GetAgent(r.Context(), req.AgentID); err != nil {
		writeStoreError(w, err)
		return
	}

	msg := &agent.ChatMessage{
		ID:         uuid.NewString(),
		SenderType: "user",
		ReceiverID: req.AgentID,
		Text:       req.Text,
		Topic:      req.Topic,
		CreatedAt:  time.Now(),
	}
	if err := h.store.AppendChat(r.Context(), msg); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.bus.Publish(realtime.KindChat, msg)
	writeJSON(w, http.StatusAccepted, msg)
}

// --- simulation control ---

func (h *Handler) simulationStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"running":    h.clock.Running(),
		"speed":      h.clock.Speed(),
		"world_time": h.clock.WorldTime(),
		"llm":        h.gateway.Status(),
	})
}

func (h *Handler) startSimulation(w http.ResponseWriter, r *http.Request) {
	h.scheduler.Resume()
	h.clock.Start()
	h.bus.Publish(realtime.KindSimulation, map[string]interface{}{"running": true})
	writeJSON(w, http.StatusOK, map[string]interface{}{"running": true, "speed": h.clock.Speed()})
}

func (h *Handler) stopSimulation(w http.ResponseWriter, r *http.Request) {
	h.clock.Stop()
	drained := h.scheduler.Stop()
	h.bus.Publish(realtime.KindSimulation, map[string]interface{}{"running": false})
	writeJSON(w, http.StatusOK, map[string]interface{}{"running": false, "drained": drained})
}

func (h *Handler) getTimeSpeed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]float64{"speed": h.clock.Speed()})
}

type timeSpeedRequest struct {
	Speed *float64 `json:"speed"`
}

func (h *Handler) setTimeSpeed(w http.ResponseWriter, r *http.Request) {
	var req timeSpeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Speed == nil {
		writeError(w, http.StatusBadRequest, errors.New("speed is required"))
		return
	}
	applied := h.clock.SetSpeed(*req.Speed)
	h.bus.Publish(realtime.KindSimulation, map[string]float64{"speed": applied})
	writeJSON(w, http.StatusOK, map[string]float64{"speed": applied})
}

// --- llm gateway ---

func (h *Handler) llmStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gateway.Status())
}

type llmConfigRequest struct {
	Provider       string             `json:"provider"`
	Model          string             `json:"model"`
	FallbackModel  string             `json:"fallback_model"`
	Temperature    float64            `json:"temperature"`
	MaxTokens      int                `json:"max_tokens"`
	TimeoutSeconds int                `json:"timeout_seconds"`
	RatePerSecond  float64            `json:"rate_per_second"`
	Deepseek       llm.DeepseekConfig `json:"deepseek"`
	Gigachat       llm.GigachatConfig `json:"gigachat"`
}

func (h *Handler) updateLLMConfig(w http.ResponseWriter, r *http.Request) {
	var req llmConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	switch req.Provider {
	case "none", "deepseek", "gigachat":
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown provider %q", req.Provider))
		return
	}

	// Credentials live only inside the gateway snapshot; nothing here is
	// written to the store.
	h.gateway.UpdateConfig(llm.Config{
		Provider:      req.Provider,
		Model:         req.Model,
		FallbackModel: req.FallbackModel,
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		Timeout:       time.Duration(req.TimeoutSeconds) * time.Second,
		RatePerSecond: req.RatePerSecond,
		Deepseek:      req.Deepseek,
		Gigachat:      req.Gigachat,
	})
	writeJSON(w, http.StatusOK, h.gateway.Status())
}

func (h *Handler) listLLMProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": h.gateway.Providers(),
		"current":   h.gateway.Status().Provider,
	})
}

func (h *Handler) testLLM(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, h.gateway.TestCall(ctx))
}

// --- event stream ---

func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	events, cancel := h.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}
