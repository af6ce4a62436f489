package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/yvesdamsh/damcash2/internal/ai"
	"github.com/yvesdamsh/damcash2/internal/api"
	"github.com/yvesdamsh/damcash2/internal/config"
	"github.com/yvesdamsh/damcash2/internal/gateway"
	"github.com/yvesdamsh/damcash2/internal/msgcat"
	"github.com/yvesdamsh/damcash2/internal/obslog"
	"github.com/yvesdamsh/damcash2/internal/push"
	"github.com/yvesdamsh/damcash2/internal/settle"
	"github.com/yvesdamsh/damcash2/internal/store"
)

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		panic(err)
	}
	defer obslog.Sync()
	log := obslog.L()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config_load_error", zap.Error(err))
	}

	st, err := store.NewRedisStore(cfg.RedisURL, time.Duration(cfg.SessionTTLSec)*time.Second)
	if err != nil {
		log.Fatal("redis_init_error", zap.Error(err))
	}
	defer st.Close()

	bcast := push.NewRedisBroadcaster(st.Client())

	var dispatcher *settle.Dispatcher
	if cfg.DatabaseURL != "" {
		repo, rerr := settle.NewRepository(cfg.DatabaseURL)
		if rerr != nil {
			log.Fatal("postgres_init_error", zap.Error(rerr))
		}
		defer repo.Close()
		dispatcher = settle.NewDispatcher(st, repo)
	} else {
		log.Warn("settlement_disabled", zap.String("reason", "DATABASE_URL not set"))
	}

	var remote *ai.InferenceClient
	if cfg.AIInferenceURL != "" {
		remote = ai.NewInferenceClient(cfg.AIInferenceURL,
			ai.WithTimeout(time.Duration(cfg.AIBudgetMillis)*time.Millisecond),
			ai.WithRetry(cfg.AIRetryMax),
		)
	}
	provider := ai.NewProvider(remote,
		ai.WithRemoteBudget(time.Duration(cfg.AIBudgetMillis)*time.Millisecond))

	svc := gateway.NewService(st, bcast, dispatcher, provider,
		gateway.WithClocks(cfg.ClockBaseSec, cfg.ClockIncSec),
		gateway.WithAIThinkDelay(time.Duration(cfg.AIThinkDelaySec*float64(time.Second))),
		gateway.WithRematchSwap(cfg.RematchSwap),
		gateway.WithSessionCap(cfg.MaxConcurrent),
	)

	cat, err := msgcat.New(cfg.Locale, cfg.MessagesPath)
	if err != nil {
		log.Fatal("msgcat_init_error", zap.Error(err))
	}

	server := api.NewServer(svc, st.Client(), cat)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server_listening", zap.String("addr", cfg.ListenAddr))
		if serr := httpServer.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			log.Fatal("server_error", zap.Error(serr))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown_begin")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := httpServer.Shutdown(ctx); serr != nil {
		log.Warn("shutdown_error", zap.Error(serr))
	}
	log.Info("shutdown_complete")
}
