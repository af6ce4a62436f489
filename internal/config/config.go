package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	ListenAddr string

	RedisURL    string
	DatabaseURL string

	SessionTTLSec int

	ClockBaseSec  float64
	ClockIncSec   float64
	RematchSwap   bool
	MaxConcurrent int

	AIInferenceURL  string
	AIBudgetMillis  int
	AIRetryMax      int
	AIThinkDelaySec float64

	SyncRetrySec     float64
	SyncPollMinSec   float64
	SyncPollMaxSec   float64
	SyncFreeSeatSec  float64
	SyncSilenceSec   float64
	SyncRefetchSec   float64
	MaxReconnectTrys int

	MessagesPath string
	Locale       string
}

// Load reads configuration from the environment. A local .env is merged in
// first when present; missing required values fail the boot.
func Load() (*AppConfig, error) {
	_ = godotenv.Load()

	cfg := &AppConfig{
		ListenAddr:       ":8080",
		SessionTTLSec:    86400,
		ClockBaseSec:     300,
		ClockIncSec:      3,
		RematchSwap:      true,
		MaxConcurrent:    500,
		AIBudgetMillis:   2000,
		AIRetryMax:       2,
		AIThinkDelaySec:  0.5,
		SyncRetrySec:     3,
		SyncPollMinSec:   2,
		SyncPollMaxSec:   30,
		SyncFreeSeatSec:  1,
		SyncSilenceSec:   10,
		SyncRefetchSec:   2,
		MaxReconnectTrys: 10,
		Locale:           "en",
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))

	if v := strings.TrimSpace(os.Getenv("SESSION_TTL")); v != "" { // seconds
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SessionTTLSec = n
		}
	}

	if v := strings.TrimSpace(os.Getenv("CLOCK_BASE_SEC")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.ClockBaseSec = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("CLOCK_INC_SEC")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.ClockIncSec = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("REMATCH_SWAP")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RematchSwap = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("MAX_CONCURRENT_SESSIONS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrent = n
		}
	}

	cfg.AIInferenceURL = strings.TrimSpace(os.Getenv("AI_INFERENCE_URL"))
	if v := strings.TrimSpace(os.Getenv("AI_BUDGET_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AIBudgetMillis = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("AI_RETRY_MAX")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.AIRetryMax = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("AI_THINK_DELAY_SEC")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.AIThinkDelaySec = f
		}
	}

	if v := strings.TrimSpace(os.Getenv("SYNC_RETRY_SEC")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.SyncRetrySec = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("SYNC_POLL_MIN_SEC")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.SyncPollMinSec = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("SYNC_POLL_MAX_SEC")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.SyncPollMaxSec = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("SYNC_FREE_SEAT_SEC")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.SyncFreeSeatSec = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("SYNC_SILENCE_SEC")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.SyncSilenceSec = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("SYNC_REFETCH_SEC")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.SyncRefetchSec = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("WS_MAX_RECONNECT_ATTEMPTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxReconnectTrys = n
		}
	}

	cfg.MessagesPath = strings.TrimSpace(os.Getenv("MESSAGES_PATH"))
	if v := strings.TrimSpace(os.Getenv("LOCALE")); v != "" {
		cfg.Locale = v
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}

	return cfg, nil
}
