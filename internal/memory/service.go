package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vivarium-sim/vivarium/internal/agent"
	"github.com/vivarium-sim/vivarium/internal/embedding"
	"github.com/vivarium-sim/vivarium/internal/llm"
	"github.com/vivarium-sim/vivarium/internal/vectorstore"
)

const (
	// Memory texts are clipped so a single runaway completion cannot
	// bloat prompts forever.
	maxMemoryLen = 480

	defaultImportance = 0.5

	// Composite relevance weights.
	weightSimilarity = 0.5
	weightRecency    = 0.2
	weightImportance = 0.3
)

// Storage is the slice of the relational store the memory service needs.
type Storage interface {
	InsertMemory(ctx context.Context, m *agent.Memory) error
	ListMemories(ctx context.Context, agentID string, limit int) ([]*agent.Memory, error)
	GetMemories(ctx context.Context, agentID string, ids []string) ([]*agent.Memory, error)
	CountLiveMemories(ctx context.Context, agentID string) (int, error)
	OldestLiveMemories(ctx context.Context, agentID string, limit int) ([]*agent.Memory, error)
	LatestSummary(ctx context.Context, agentID string) (*agent.Memory, error)
	ReplaceWithSummary(ctx context.Context, summary *agent.Memory, batchIDs []string) error
}

// Completer is the slice of the LLM gateway the service needs.
type Completer interface {
	Complete(ctx context.Context, purpose llm.Purpose, prompt string) (string, error)
}

// Config bounds the memory store.
type Config struct {
	Budget    int           // live records before summarization triggers
	BatchSize int           // oldest records folded into one summary
	Tau       time.Duration // recency decay time constant
}

func (c Config) withDefaults() Config {
	if c.Budget <= 0 {
		c.Budget = 20
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.Tau <= 0 {
		c.Tau = time.Hour
	}
	return c
}

// Service is the per-agent memory store: rows in Postgres, vectors in
// the index, overflow folded into summaries. All writes for one agent
// are serialized with a per-agent mutex, so the live-record count never
// exceeds Budget + BatchSize - 1.
type Service struct {
	cfg      Config
	storage  Storage
	index    vectorstore.Index
	embedder embedding.Provider
	fallback *embedding.HashProvider
	gateway  Completer
	logger   *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService wires the memory store.
func NewService(cfg Config, storage Storage, index vectorstore.Index,
	embedder embedding.Provider, gateway Completer, logger *zap.Logger) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:      cfg,
		storage:  storage,
		index:    index,
		embedder: embedder,
		fallback: embedding.NewHashProvider(embedder.Dimension()),
		gateway:  gateway,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (s *Service) agentLock(agentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[agentID] = l
	}
	return l
}

// embed returns a vector for the text, degrading to the deterministic
// hash embedder when the configured provider is unreachable.
func (s *Service) embed(ctx context.Context, text string) []float32 {
	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err == nil && len(vecs) == 1 {
		return vecs[0]
	}
	if err != nil {
		s.logger.Warn("embedding degraded to hash", zap.Error(err))
	}
	vecs, err = s.fallback.Embed(ctx, []string{text})
	if err != nil || len(vecs) != 1 {
		return nil
	}
	return vecs[0]
}

// Remember stores one memory. importance < 0 asks the gateway for an
// estimate; an unusable answer falls back to 0.5. Storing never fails on
// embedding trouble, only on the relational write.
func (s *Service) Remember(ctx context.Context, agentID, text string, importance float64) (*agent.Memory, error) {
	text = Clip(text, maxMemoryLen)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("remember: empty text")
	}
	if importance < 0 {
		importance = s.estimateImportance(ctx, text)
	}
	if importance > 1 {
		importance = 1
	}

	lock := s.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	m := &agent.Memory{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Text:       text,
		Importance: importance,
		CreatedAt:  time.Now(),
	}
	if err := s.storage.InsertMemory(ctx, m); err != nil {
		return nil, err
	}
	s.indexMemory(ctx, m)

	if err := s.summarizeIfNeeded(ctx, agentID); err != nil {
		// The batch stays intact and is retried on the next remember.
		s.logger.Warn("summarization deferred", zap.String("agent", agentID), zap.Error(err))
	}
	return m, nil
}

func (s *Service) indexMemory(ctx context.Context, m *agent.Memory) {
	vec := s.embed(ctx, m.Text)
	if vec == nil {
		return
	}
	payload := map[string]string{"text": m.Text}
	if err := s.index.Upsert(ctx, m.AgentID, m.ID, vec, payload); err != nil {
		s.logger.Warn("vector upsert failed", zap.String("memory", m.ID), zap.Error(err))
	}
}

func (s *Service) estimateImportance(ctx context.Context, text string) float64 {
	answer, err := s.gateway.Complete(ctx, llm.PurposeImportance, text)
	if err != nil {
		return defaultImportance
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(answer), 64)
	if err != nil || v < 0 || v > 1 {
		return defaultImportance
	}
	return v
}

// Scored is one retrieval result with its composite score.
type Scored struct {
	Memory *agent.Memory
	Score  float64
}

// RetrieveRelevant ranks the agent's memories against the query by
// 0.5*similarity + 0.2*recency + 0.3*importance. Recency decays as
// exp(-age/tau). When the embedding side is down the ranking degrades to
// recency order instead of failing. The latest summary is appended if it
// did not already rank and the ranked results leave room within limit.
func (s *Service) RetrieveRelevant(ctx context.Context, agentID, query string, limit int) ([]Scored, error) {
	if limit <= 0 {
		limit = 6
	}
	now := time.Now()

	scored, err := s.rankBySimilarity(ctx, agentID, query, limit, now)
	if err != nil {
		s.logger.Warn("retrieval degraded to recency", zap.String("agent", agentID), zap.Error(err))
		scored, err = s.rankByRecency(ctx, agentID, limit, now)
		if err != nil {
			return nil, err
		}
	}

	scored = s.appendLatestSummary(ctx, agentID, scored)
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func (s *Service) rankBySimilarity(ctx context.Context, agentID, query string, limit int, now time.Time) ([]Scored, error) {
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil || len(vecs) != 1 {
		if err == nil {
			err = fmt.Errorf("embedder returned %d vectors", len(vecs))
		}
		return nil, err
	}

	// Over-fetch so low-similarity but recent/important rows can still
	// win on the composite score.
	hits, err := s.index.Search(ctx, agentID, vecs[0], limit*4)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	simByID := make(map[string]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		simByID[h.ID] = float64(h.Score)
	}
	rows, err := s.storage.GetMemories(ctx, agentID, ids)
	if err != nil {
		return nil, err
	}

	scored := make([]Scored, 0, len(rows))
	for _, m := range rows {
		scored = append(scored, Scored{
			Memory: m,
			Score: weightSimilarity*simByID[m.ID] +
				weightRecency*recencyDecay(now, m.CreatedAt, s.cfg.Tau) +
				weightImportance*m.Importance,
		})
	}
	sortScored(scored)
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func (s *Service) rankByRecency(ctx context.Context, agentID string, limit int, now time.Time) ([]Scored, error) {
	rows, err := s.storage.ListMemories(ctx, agentID, limit)
	if err != nil {
		return nil, err
	}
	scored := make([]Scored, 0, len(rows))
	for _, m := range rows {
		scored = append(scored, Scored{
			Memory: m,
			Score: weightRecency*recencyDecay(now, m.CreatedAt, s.cfg.Tau) +
				weightImportance*m.Importance,
		})
	}
	return scored, nil
}

// appendLatestSummary tacks the newest summary onto the ranked results
// when it did not rank on its own. The caller truncates to limit after,
// so a full result set drops the summary rather than evicting a ranked
// record.
func (s *Service) appendLatestSummary(ctx context.Context, agentID string, scored []Scored) []Scored {
	summary, err := s.storage.LatestSummary(ctx, agentID)
	if err != nil || summary == nil {
		return scored
	}
	for _, sc := range scored {
		if sc.Memory.ID == summary.ID {
			return scored
		}
	}
	return append(scored, Scored{Memory: summary, Score: weightImportance * summary.Importance})
}

// sortScored orders by score descending with a deterministic tie-break
// on insertion order, so equal inputs always rank identically.
func sortScored(scored []Scored) {
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		a, b := scored[i].Memory, scored[j].Memory
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func recencyDecay(now, created time.Time, tau time.Duration) float64 {
	age := now.Sub(created)
	if age < 0 {
		age = 0
	}
	return math.Exp(-float64(age) / float64(tau))
}

// summarizeIfNeeded folds the oldest batch into one summary when the
// live count exceeds the budget. The row swap is a single transaction;
// an LLM failure leaves everything untouched. Callers hold the agent lock.
func (s *Service) summarizeIfNeeded(ctx context.Context, agentID string) error {
	count, err := s.storage.CountLiveMemories(ctx, agentID)
	if err != nil {
		return err
	}
	if count <= s.cfg.Budget {
		return nil
	}

	batch, err := s.storage.OldestLiveMemories(ctx, agentID, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	var b strings.Builder
	maxImportance := 0.0
	ids := make([]string, len(batch))
	for i, m := range batch {
		fmt.Fprintf(&b, "- %s\n", m.Text)
		ids[i] = m.ID
		if m.Importance > maxImportance {
			maxImportance = m.Importance
		}
	}

	text, err := s.gateway.Complete(ctx, llm.PurposeSummarize, b.String())
	if err != nil {
		return fmt.Errorf("summarize batch: %w", err)
	}

	summary := &agent.Memory{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Text:       Clip(text, maxMemoryLen),
		Importance: maxImportance,
		IsSummary:  true,
		CreatedAt:  time.Now(),
	}
	if err := s.storage.ReplaceWithSummary(ctx, summary, ids); err != nil {
		return err
	}

	// Vector cleanup is best-effort; orphaned vectors lose their rows
	// and drop out of retrieval when GetMemories filters them.
	if err := s.index.Delete(ctx, agentID, ids...); err != nil {
		s.logger.Warn("vector delete failed", zap.String("agent", agentID), zap.Error(err))
	}
	s.indexMemory(ctx, summary)

	s.logger.Info("memories summarized",
		zap.String("agent", agentID),
		zap.Int("folded", len(batch)))
	return nil
}

// Clip truncates text to at most n runes.
func Clip(text string, n int) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= n {
		return string(runes)
	}
	return strings.TrimSpace(string(runes[:n]))
}
