package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/cv-match-engine/internal/config"
)

// Pinger is the minimal interface for a dependency capable of Ping. Both
// the pgx pool and the franz-go client satisfy it.
type Pinger interface{ Ping(ctx context.Context) error }

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the minimal Redis surface needed for readiness.
type RedisClient interface{ Ping(ctx context.Context) RedisPingResult }

// ReadinessChecks bundles one probe per external dependency.
type ReadinessChecks struct {
	DB     func(ctx context.Context) error
	Redis  func(ctx context.Context) error
	Qdrant func(ctx context.Context) error
	Tika   func(ctx context.Context) error
	Kafka  func(ctx context.Context) error
}

// BuildReadinessChecks wires probes for db, redis, qdrant, tika and kafka.
// Nil dependencies yield probes that fail with "not configured".
func BuildReadinessChecks(cfg config.Config, pool Pinger, rdb RedisClient, kafka Pinger) ReadinessChecks {
	httpProbe := func(url, header, key, name string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			client := &http.Client{Timeout: 2 * time.Second}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			if key != "" {
				req.Header.Set(header, key)
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			return fmt.Errorf("%s status %d", name, resp.StatusCode)
		}
	}
	return ReadinessChecks{
		DB: func(ctx context.Context) error {
			if pool == nil {
				return fmt.Errorf("db not configured")
			}
			return pool.Ping(ctx)
		},
		Redis: func(ctx context.Context) error {
			if rdb == nil {
				return fmt.Errorf("redis not configured")
			}
			return rdb.Ping(ctx).Err()
		},
		Qdrant: httpProbe(cfg.QdrantURL+"/collections", "api-key", cfg.QdrantAPIKey, "qdrant"),
		Tika:   httpProbe(cfg.TikaURL+"/version", "", "", "tika"),
		Kafka: func(ctx context.Context) error {
			if kafka == nil {
				return fmt.Errorf("kafka not configured")
			}
			return kafka.Ping(ctx)
		},
	}
}
