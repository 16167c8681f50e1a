package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/campus-share/internal/config"
	"github.com/example/campus-share/internal/logging"
	"github.com/example/campus-share/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total event messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis projections",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file read before the environment")
	metricsAddr := flag.String("metrics-addr", "", "address to serve prometheus metrics on (overrides METRICS_ADDR)")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		slog.Error("load env file", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	logger := logging.NewLogger(cfg.LogLevel)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	radapter := &redisAdapter{c: rc}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			// readiness: check redis connectivity
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	p := projector{rc: radapter, prefix: cfg.KeyPrefix, ttl: cfg.StatusTTL}
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		ev, err := decodeEvent(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "error", err, "offset", m.Offset, "partition", m.Partition)
			continue
		}

		if err := updateRedisWithRetry(ctx, p, ev, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Error("redis update failed", "entity_type", ev.EntityType, "entity_id", ev.EntityID, "error", err)
			continue
		}
		redisUpdates.Inc()
	}
}

func decodeEvent(b []byte) (models.Event, error) {
	var ev models.Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return models.Event{}, err
	}
	if ev.EntityType == "" || ev.EntityID == "" || ev.NewStatus == "" {
		return models.Event{}, errors.New("event missing entity_type, entity_id or new_status")
	}
	return ev, nil
}

// RedisUpdater is the subset of redis operations the projection needs.
type RedisUpdater interface {
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	ZAdd(ctx context.Context, key string, score float64, member string) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

func (r *redisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := r.c.Expire(ctx, key, ttl).Result()
	return err
}

func (r *redisAdapter) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := r.c.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Result()
	return err
}

// projector keeps the latest status of every entity in a hash and indexes
// it per audience member in a sorted set scored by event time.
type projector struct {
	rc     RedisUpdater
	prefix string
	ttl    time.Duration
}

func (p projector) statusKey(ev models.Event) string {
	return p.prefix + string(ev.EntityType) + ":" + ev.EntityID
}

func (p projector) audienceKey(userID string) string {
	return p.prefix + "user:" + userID
}

func (p projector) apply(ctx context.Context, ev models.Event) error {
	key := p.statusKey(ev)
	if err := p.rc.HSet(ctx, key, map[string]interface{}{
		"entity_type": string(ev.EntityType),
		"status":      ev.NewStatus,
		"updated_at":  ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return err
	}
	if p.ttl > 0 {
		if err := p.rc.Expire(ctx, key, p.ttl); err != nil {
			return err
		}
	}
	member := string(ev.EntityType) + ":" + ev.EntityID
	for _, userID := range ev.Audience {
		if err := p.rc.ZAdd(ctx, p.audienceKey(userID), float64(ev.Timestamp.UnixMilli()), member); err != nil {
			return err
		}
	}
	return nil
}

// updateRedisWithRetry applies ev through p, retrying with a doubling delay.
// Every write is idempotent so a retry may replay the whole projection.
func updateRedisWithRetry(ctx context.Context, p projector, ev models.Event, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = p.apply(ctx, ev); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
