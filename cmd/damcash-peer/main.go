// damcash-peer is a terminal-side companion for one session: it keeps a live
// local view through the push channel plus adaptive polling, and prints state
// transitions as they land. With -watch it stays passive (spectator mode).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/yvesdamsh/damcash2/internal/config"
	"github.com/yvesdamsh/damcash2/internal/livechan"
	"github.com/yvesdamsh/damcash2/internal/obslog"
	"github.com/yvesdamsh/damcash2/internal/push"
	"github.com/yvesdamsh/damcash2/internal/store"
	"github.com/yvesdamsh/damcash2/internal/syncp"
)

func main() {
	var (
		sessionID = flag.String("session", "", "session id to follow (required)")
		playerID  = flag.String("player", "", "player id for the channel handshake")
		serverWS  = flag.String("server", "ws://localhost:8080", "server websocket base URL")
		watch     = flag.Bool("watch", false, "spectate only, never send")
	)
	flag.Parse()

	if err := obslog.InitFromEnv(); err != nil {
		panic(err)
	}
	defer obslog.Sync()
	log := obslog.L()

	if *sessionID == "" {
		log.Fatal("missing_session_flag")
	}

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := livechan.New(*serverWS+"/ws/"+*sessionID, cfg.MaxReconnectTrys)
	if *playerID != "" {
		ch.SetHeaderProvider(func() map[string]string {
			return map[string]string{"X-Player-Id": *playerID}
		})
	}
	if cerr := ch.Connect(ctx); cerr != nil {
		// polling covers for a dead channel; the controller does not need it
		log.Warn("channel_connect_error", zap.Error(cerr))
	}

	seed, err := st.Get(ctx, *sessionID)
	if err != nil {
		log.Fatal("session_load_error", zap.String("session_id", *sessionID), zap.Error(err))
	}

	ctrl := syncp.New(*sessionID, st, bcast, ch, syncp.Config{
		RetryInterval:    secs(cfg.SyncRetrySec),
		PollMin:          secs(cfg.SyncPollMinSec),
		PollMax:          secs(cfg.SyncPollMaxSec),
		FreeSeatPoll:     secs(cfg.SyncFreeSeatSec),
		SilenceThreshold: secs(cfg.SyncSilenceSec),
		RefetchMinGap:    secs(cfg.SyncRefetchSec),
		Passive:          *watch,
	})
	ctrl.Attach(seed)
	ctrl.Start(ctx)
	log.Info("peer_attached",
		zap.String("session_id", *sessionID),
		zap.String("status", string(seed.Status)),
		zap.Int("moves", seed.MoveCount()),
		zap.Bool("watch", *watch),
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	tick := time.NewTicker(secs(cfg.SyncPollMinSec))
	defer tick.Stop()
	lastMoves, lastStatus := seed.MoveCount(), seed.Status

	for {
		select {
		case <-sig:
			log.Info("peer_shutdown")
			ctrl.Stop()
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeCancel()
			if cerr := ch.Close(closeCtx); cerr != nil {
				log.Warn("channel_close_error", zap.Error(cerr))
			}
			return
		case <-tick.C:
			v := ctrl.View()
			if v == nil {
				continue
			}
			if v.MoveCount() != lastMoves || v.Status != lastStatus {
				lastMoves, lastStatus = v.MoveCount(), v.Status
				log.Info("session_update",
					zap.String("status", string(v.Status)),
					zap.Int("moves", v.MoveCount()),
					zap.String("turn", string(v.Turn)),
					zap.String("winner_id", v.WinnerID),
				)
			}
		}
	}
}

func secs(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
