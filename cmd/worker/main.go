// worker consumes auth events from Kafka and pushes them to Loki.
// Set KAFKA_BROKERS, TELEMETRY_KAFKA_TOPIC, KAFKA_GROUP_ID and LOKI_URL.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"chat-auth-platform/backend/internal/config"
	"chat-auth-platform/backend/internal/platform/logger"
	"chat-auth-platform/backend/internal/telemetry/loki"
)

const pushTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	brokers := cfg.TelemetryKafkaBrokersList()
	if len(brokers) == 0 {
		return errors.New("KAFKA_BROKERS is required")
	}
	if cfg.LokiURL == "" {
		return errors.New("LOKI_URL is required")
	}
	topic := cfg.TelemetryKafkaTopic
	if topic == "" {
		topic = "auth-events"
	}
	groupID := cfg.KafkaGroupID
	if groupID == "" {
		groupID = "auth-events-worker"
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: time.Second,
	})
	defer reader.Close()
	sink := loki.NewClient(cfg.LokiURL, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("consuming auth events", "topic", topic, "group", groupID, "loki", cfg.LokiURL)
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker stopped")
				return nil
			}
			log.Warn("kafka read failed", "error", err)
			continue
		}
		pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
		if err := sink.PushEventJSON(pushCtx, msg.Value); err != nil {
			log.Warn("loki push failed", "error", err, "partition", msg.Partition, "offset", msg.Offset)
		}
		cancel()
	}
}
