package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/vivarium-sim/vivarium/internal/api"
	"github.com/vivarium-sim/vivarium/internal/config"
	"github.com/vivarium-sim/vivarium/internal/embedding"
	"github.com/vivarium-sim/vivarium/internal/llm"
	"github.com/vivarium-sim/vivarium/internal/memory"
	"github.com/vivarium-sim/vivarium/internal/realtime"
	"github.com/vivarium-sim/vivarium/internal/sim"
	"github.com/vivarium-sim/vivarium/internal/store"
	"github.com/vivarium-sim/vivarium/internal/vectorstore"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Vivarium...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/vivarium.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
		}
		logger.Warn("config file missing, using defaults", zap.String("path", cfgPath))
		cfg = config.Default()
	} else {
		logger.Info("Config loaded", zap.String("path", cfgPath))
	}

	// PostgreSQL is the system of record; nothing works without it.
	st, err := store.New(cfg.Database.Postgres.DSN, logger)
	if err != nil {
		logger.Fatal("PostgreSQL unavailable", zap.Error(err))
	}
	if err := st.Migrate(context.Background(), "migrations"); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	// Embedding provider
	var embedder embedding.Provider
	switch cfg.Embedding.Provider {
	case "api":
		embedder = embedding.NewAPIProvider(embedding.Config{
			Endpoint:  cfg.Embedding.Endpoint,
			Model:     cfg.Embedding.Model,
			APIKey:    cfg.Embedding.APIKey,
			Dimension: cfg.Embedding.Dimension,
		})
	default:
		embedder = embedding.NewHashProvider(cfg.Embedding.Dimension)
	}
	if cfg.Embedding.CacheSize > 0 {
		cached, cacheErr := embedding.NewCachedProvider(embedder, cfg.Embedding.CacheSize)
		if cacheErr != nil {
			logger.Warn("embedding cache disabled", zap.Error(cacheErr))
		} else {
			embedder = cached
		}
	}

	// Vector index: Qdrant when configured, otherwise the embedded index.
	var index vectorstore.Index
	if cfg.Database.Qdrant.Host != "" {
		qdrant, qErr := vectorstore.NewQdrant(context.Background(), vectorstore.QdrantConfig{
			Host: cfg.Database.Qdrant.Host,
			Port: cfg.Database.Qdrant.Port,
		}, embedder.Dimension())
		if qErr != nil {
			logger.Warn("Qdrant unavailable, falling back to embedded index", zap.Error(qErr))
			index = vectorstore.NewChromem()
		} else {
			index = qdrant
		}
	} else {
		index = vectorstore.NewChromem()
	}

	// LLM gateway. Credentials stay inside the gateway's config snapshot
	// and are never written to the store.
	gateway := llm.NewGateway(llm.Config{
		Provider:      cfg.LLM.Provider,
		Model:         cfg.LLM.Model,
		FallbackModel: cfg.LLM.FallbackModel,
		Temperature:   cfg.LLM.Temperature,
		MaxTokens:     cfg.LLM.MaxTokens,
		Timeout:       time.Duration(cfg.LLM.TimeoutSeconds * float64(time.Second)),
		RatePerSecond: cfg.LLM.RatePerSecond,
		Deepseek: llm.DeepseekConfig{
			APIBase: cfg.LLM.Deepseek.APIBase,
			APIKey:  cfg.LLM.Deepseek.APIKey,
		},
		Gigachat: llm.GigachatConfig{
			APIBase:     cfg.LLM.Gigachat.APIBase,
			AuthURL:     cfg.LLM.Gigachat.AuthURL,
			AuthKey:     cfg.LLM.Gigachat.AuthKey,
			AccessToken: cfg.LLM.Gigachat.AccessToken,
			Scope:       cfg.LLM.Gigachat.Scope,
			VerifySSL:   cfg.LLM.Gigachat.VerifySSL,
		},
	}, logger)

	// Memory service
	memSvc := memory.NewService(memory.Config{
		Budget:    cfg.Simulation.MemoryBudget,
		BatchSize: cfg.Simulation.SummaryBatchSize,
	}, st, index, embedder, gateway, logger)

	// Realtime fan-out
	bus := realtime.NewBus()
	wsHub := realtime.NewWSHub(bus, logger)

	bridgeCtx, cancelBridge := context.WithCancel(context.Background())
	defer cancelBridge()
	var bridge *realtime.RedisBridge
	if cfg.Realtime.RedisURL != "" {
		b, bErr := realtime.NewRedisBridge(cfg.Realtime.RedisURL, bus, logger)
		if bErr != nil {
			logger.Warn("Redis unavailable, running single-instance", zap.Error(bErr))
		} else {
			bridge = b
			go bridge.Run(bridgeCtx)
			logger.Info("Redis event bridge connected")
		}
	}

	// Cognition engine and simulation loop
	engine := sim.NewEngine(sim.Config{
		RelationMaxDelta: cfg.Simulation.RelationMaxDelta,
		MoodDecay:        cfg.Simulation.MoodDecayPerTick,
		Cooldown:         time.Duration(cfg.Simulation.AgentCooldownSecs * float64(time.Second)),
		EventFocus:       time.Duration(cfg.Simulation.EventFocusSeconds * float64(time.Second)),
	}, st, memSvc, gateway, bus, logger)

	listAgents := func(ctx context.Context) ([]string, error) {
		agents, listErr := st.ListAgents(ctx)
		if listErr != nil {
			return nil, listErr
		}
		ids := make([]string, len(agents))
		for i, a := range agents {
			ids[i] = a.ID
		}
		return ids, nil
	}

	clock := sim.NewClock(
		time.Duration(cfg.Simulation.TickSeconds*float64(time.Second)),
		cfg.Simulation.Speed,
		cfg.Simulation.MaxSpeed,
		logger,
	)
	scheduler := sim.NewScheduler(engine, listAgents,
		cfg.Simulation.MaxConcurrent,
		time.Duration(cfg.Simulation.StopGraceSeconds*float64(time.Second)),
		logger,
	)
	clock.AddListener(scheduler)
	// The simulation starts paused; POST /api/simulation/start kicks it off.

	// Build HTTP handler
	handler := api.NewHandler(st, index, gateway, clock, scheduler, bus, wsHub, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Vivarium listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Vivarium...")
	clock.Stop()
	if !scheduler.Stop() {
		logger.Warn("some agent cycles did not finish within the grace period")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	cancelBridge()
	if bridge != nil {
		bridge.Close()
	}
	st.Close()
	logger.Info("Goodbye")
}
