package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cloudgames/payment-engine/internal/consumers"
	paymentkafka "github.com/cloudgames/payment-engine/internal/payment/infrastructure/kafka"
	"github.com/cloudgames/payment-engine/pkg/bus"
	"github.com/cloudgames/payment-engine/pkg/idempotency"
	"github.com/cloudgames/payment-engine/pkg/logging"
	"github.com/cloudgames/payment-engine/pkg/shutdown"
	"github.com/cloudgames/payment-engine/pkg/tracing"
)

func main() {
	log := logging.New("event-worker")

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	// Configuration
	kafkaBrokers := []string{env("KAFKA_ADDR", "localhost:9092")}
	redisAddr := env("REDIS_ADDR", "localhost:6379")
	otlpEndpoint := env("OTLP_ENDPOINT", "localhost:4318")
	topic := env("PAYMENT_TOPIC", "payment.events")
	group := env("CONSUMER_GROUP", "event-worker")
	maxRetries := envInt("BUS_MAX_RETRIES", 3)
	retryInterval := envDuration("BUS_RETRY_INTERVAL", 5*time.Second)

	tp, err := tracing.Init(ctx, "event-worker", otlpEndpoint, log)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = tp.Shutdown(ctx) }()

	redisDB := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer redisDB.Close()
	idem := idempotency.NewStore(redisDB, 24*time.Hour)

	broker := bus.New(log, bus.Policy{MaxRetries: maxRetries, Interval: retryInterval})

	library := consumers.NewLibrary(log, consumers.NewRedisLibrary(redisDB, 0))
	notifier := consumers.NewNotifier(log, logSender{log: log}, idem)
	analytics := consumers.NewAnalytics(log, idem)

	library.Register(broker)
	notifier.Register(broker)
	analytics.Register(broker)

	go func() {
		for dl := range broker.DeadLetters() {
			log.Error("dead letter",
				"consumer", dl.Consumer, "event_id", dl.Event.ID, "type", dl.Event.Type,
				"attempts", dl.Attempts, "err", dl.LastErr)
		}
	}()

	bridge := paymentkafka.NewBridge(log, kafkaBrokers, topic, group, idem, broker)
	go func() {
		if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("bridge stopped", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	broker.Close()
	log.Info("event-worker shutdown complete")
}

// logSender writes notifications to the service log. A real deployment
// would swap in an email or push provider here.
type logSender struct {
	log *slog.Logger
}

func (s logSender) Send(ctx context.Context, n consumers.Notification) error {
	s.log.Info("notification",
		"user_id", n.UserID, "payment_id", n.PaymentID, "kind", n.Kind, "message", n.Message)
	return nil
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
