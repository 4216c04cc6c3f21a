// Package config centralises the environment-driven settings shared by
// every daemon in the pipeline (ingestd, processord, deliveryd). Each
// cmd/ entrypoint still loads its own bootstrap secrets from Vault the
// way every app in the teacher's monorepo does inline in main(); this
// package only covers the tunables spec.md §6 calls "recognised
// options".
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every recognised tunable, defaulted per spec.md §6.
type Config struct {
	HysteresisWindow     time.Duration
	DwellThresholds      []time.Duration
	DeviceKeyCacheTTL    time.Duration
	DeliveryMaxAttempts  int
	DeliveryBackoffBase  time.Duration
	DeliveryBackoffCap   time.Duration
	WebhookTimeout       time.Duration
	WorkerConcurrency    int
	IdleStateExpiry      time.Duration
	EncryptionKeyHex     string
	HTTPAddr             string
}

// Load reads every recognised option from the environment, applying the
// defaults from spec.md §6 for anything unset.
func Load() Config {
	return Config{
		HysteresisWindow:    durationMsEnv("HYSTERESIS_MS", 20_000),
		DwellThresholds:     dwellThresholdsEnv("DWELL_THRESHOLDS_MIN", []int{5, 10, 15, 30, 60, 120}),
		DeviceKeyCacheTTL:   durationSecEnv("DEVICE_KEY_CACHE_TTL_S", 300),
		DeliveryMaxAttempts: intEnv("DELIVERY_MAX_ATTEMPTS", 3),
		DeliveryBackoffBase: durationMsEnv("DELIVERY_BACKOFF_BASE_MS", 2000),
		DeliveryBackoffCap:  durationSecEnv("DELIVERY_BACKOFF_CAP_S", 300),
		WebhookTimeout:      durationMsEnv("WEBHOOK_TIMEOUT_MS", 30_000),
		WorkerConcurrency:   intEnv("WORKER_CONCURRENCY", 10),
		IdleStateExpiry:     durationHourEnv("IDLE_STATE_EXPIRY_H", 24),
		EncryptionKeyHex:    os.Getenv("ENCRYPTION_KEY"),
		HTTPAddr:            stringEnv("HTTP_ADDR", ":8080"),
	}
}

func stringEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durationMsEnv(key string, defMs int) time.Duration {
	return time.Duration(intEnv(key, defMs)) * time.Millisecond
}

func durationSecEnv(key string, defSec int) time.Duration {
	return time.Duration(intEnv(key, defSec)) * time.Second
}

func durationHourEnv(key string, defHour int) time.Duration {
	return time.Duration(intEnv(key, defHour)) * time.Hour
}

func dwellThresholdsEnv(key string, defMinutes []int) []time.Duration {
	v := os.Getenv(key)
	minutes := defMinutes
	if v != "" {
		parts := strings.Split(v, ",")
		parsed := make([]int, 0, len(parts))
		for _, p := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return durationsFromMinutes(defMinutes)
			}
			parsed = append(parsed, n)
		}
		minutes = parsed
	}
	return durationsFromMinutes(minutes)
}

func durationsFromMinutes(minutes []int) []time.Duration {
	out := make([]time.Duration, len(minutes))
	for i, m := range minutes {
		out[i] = time.Duration(m) * time.Minute
	}
	return out
}
