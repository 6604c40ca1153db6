package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"quiz-sync-service/internal/config"
	"quiz-sync-service/internal/coordinator"
	"quiz-sync-service/internal/domain"
	"quiz-sync-service/internal/infra/memory"
	pgloader "quiz-sync-service/internal/infra/postgres"
	redisinfra "quiz-sync-service/internal/infra/redis"
	"quiz-sync-service/internal/store"
	transport "quiz-sync-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz coordination server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || cfg.Log.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := zlog.With().Str("component", "server").Logger()

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	redisTTL := config.DurationOr(cfg.Redis.TTL, 2*time.Hour)

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	var loader memory.QuestionSetLoader = memory.NewStaticLoader(sampleQuestionSets())
	if pool != nil {
		loader = pgloader.NewQuestionSetLoader(pool)
	}

	contentTTL := config.DurationOr(cfg.Content.TTL, 10*time.Minute)
	var content store.QuestionSetRepository
	if redisClient != nil {
		content = redisinfra.NewQuestionSetRepository(redisClient, loader, contentTTL)
	} else {
		content = memory.NewQuestionSetRepository(loader, contentTTL)
	}

	var sessionStore store.Store
	if redisClient != nil {
		sessionStore = redisinfra.NewStore(redisClient, redisTTL)
	} else {
		sessionStore = memory.NewStore()
	}

	coordCfg := coordinator.Config{
		PreviewDwell:        config.DurationOr(cfg.Coordinator.PreviewDwell, 0),
		RevealDwell:         config.DurationOr(cfg.Coordinator.RevealDwell, 0),
		LeaderboardDwell:    config.DurationOr(cfg.Coordinator.LeaderboardDwell, 0),
		Tick:                config.DurationOr(cfg.Coordinator.Tick, 0),
		HeartbeatInterval:   config.DurationOr(cfg.Coordinator.HeartbeatInterval, 0),
		SweepInterval:       config.DurationOr(cfg.Coordinator.SweepInterval, 0),
		InactivityThreshold: config.DurationOr(cfg.Coordinator.InactivityThreshold, 0),
	}
	wsHandler := transport.NewWSHandler(sessionStore, content, coordCfg, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info().Str("port", finalPort).Msg("starting quiz sync service")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info().Msg("shutting down server")
	case <-ctx.Done():
		logger.Info().Msg("context canceled, shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleQuestionSets provides demo content for the no-postgres dev path.
func sampleQuestionSets() map[string]domain.QuestionSet {
	return map[string]domain.QuestionSet{
		"demo-1": {
			ID: "demo-1",
			Questions: []domain.Question{
				{
					ID:     "q1",
					Kind:   domain.KindMultipleSelect,
					Prompt: "Which of these are prime?",
					Options: []domain.Option{
						{ID: "o1", Text: "2"},
						{ID: "o2", Text: "4"},
						{ID: "o3", Text: "5"},
					},
					CorrectOptions: []string{"o1", "o3"},
					Points:         100,
					TimeLimitSec:   20,
				},
				{
					ID:           "q2",
					Kind:         domain.KindFreeText,
					Prompt:       "What is the capital of France?",
					AcceptedText: "Paris",
					Points:       100,
					TimeLimitSec: 15,
				},
				{
					ID:     "q3",
					Kind:   domain.KindMatching,
					Prompt: "Match the language to its mascot",
					Pairs: []domain.Pair{
						{Left: "Go", Right: "Gopher"},
						{Left: "Linux", Right: "Tux"},
					},
					Points:       100,
					TimeLimitSec: 25,
				},
			},
		},
	}
}
