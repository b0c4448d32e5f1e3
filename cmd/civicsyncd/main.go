package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"civicsync/internal/config"
	"civicsync/internal/engine"
	"civicsync/internal/feed/kafka"
	"civicsync/internal/feed/rabbitmq"
	"civicsync/internal/ledger"
	"civicsync/internal/recordstore/sqlite"
)

func main() {
	cfgPath := flag.String("config", "civicsync.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("load config")
	}
	log := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.NewStore(cfg.Store.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Store.Path).Msg("open record store")
	}
	defer store.Close()

	// The ledger must be reachable before any feed traffic is accepted.
	client, err := ledger.DialWS(ctx, ledger.WSConfig{
		URL:                  cfg.Ledger.URL,
		Identity:             cfg.Ledger.Identity,
		HandshakeTimeout:     cfg.Ledger.HandshakeTimeout,
		ResponseTimeout:      cfg.Ledger.ResponseTimeout,
		ReconnectMaxInterval: cfg.Ledger.ReconnectMaxInterval,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.Ledger.URL).Msg("connect ledger")
	}
	defer client.Close()

	serializer := ledger.NewSerializer(client, log, cfg.Ledger.SubmitTimeout)
	defer serializer.Close()

	eng := engine.New(engine.Options{
		SettleDelay:  cfg.Engine.SettleDelay,
		BacklogDelay: cfg.Engine.BacklogDelay,
	}, store, serializer, log)

	// Catch up records that changed while the service was down before live
	// notifications start competing for them.
	if err := eng.ReconcileBacklog(ctx); err != nil {
		log.Fatal().Err(err).Msg("backlog reconciliation")
	}

	var adapters []interface{ Close() error }
	if cfg.Feed.RabbitMQ.Enabled {
		adapter, err := rabbitmq.NewAdapter(rabbitmqConfig(cfg.Feed.RabbitMQ), eng, log)
		if err != nil {
			log.Fatal().Err(err).Msg("rabbitmq adapter")
		}
		if err := adapter.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("start rabbitmq adapter")
		}
		adapters = append(adapters, adapter)
		log.Info().Str("queue", cfg.Feed.RabbitMQ.Queue).Msg("rabbitmq feed subscribed")
	}
	if cfg.Feed.Kafka.Enabled {
		adapter, err := kafka.NewAdapter(kafkaConfig(cfg.Feed.Kafka), eng, log)
		if err != nil {
			log.Fatal().Err(err).Msg("kafka adapter")
		}
		go func() {
			if err := adapter.Start(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("kafka feed stopped")
				stop()
			}
		}()
		adapters = append(adapters, adapter)
		log.Info().Strs("topics", cfg.Feed.Kafka.Topics).Msg("kafka feed subscribed")
	}

	log.Info().Msg("civicsyncd running")
	<-ctx.Done()
	log.Info().Msg("shutting down")

	for _, a := range adapters {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("close feed adapter")
		}
	}
	if err := eng.Drain(cfg.Engine.DrainTimeout); err != nil {
		log.Warn().Err(err).Msg("drain timed out; in-flight submissions abandoned")
	}
	log.Info().Msg("civicsyncd stopped")
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out = zerolog.New(os.Stderr)
	if cfg.Pretty {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return out.Level(level).With().Timestamp().Logger()
}

func rabbitmqConfig(c config.RabbitMQConfig) rabbitmq.Config {
	return rabbitmq.Config{
		Enabled:              c.Enabled,
		URL:                  c.URL,
		Exchange:             c.Exchange,
		Queue:                c.Queue,
		RoutingKeys:          c.RoutingKeys,
		ConsumerTag:          c.ConsumerTag,
		PrefetchCount:        c.PrefetchCount,
		Workers:              c.Workers,
		DeliveryQueue:        c.DeliveryQueue,
		ReconnectMaxInterval: c.ReconnectMaxInterval,
		Auth:                 rabbitmq.AuthConfig{Username: c.Username, Password: c.Password},
		TLS: rabbitmq.TLSConfig{
			Enabled:            c.TLS.Enabled,
			InsecureSkipVerify: c.TLS.InsecureSkipVerify,
			ServerName:         c.TLS.ServerName,
			CAFile:             c.TLS.CAFile,
			CertFile:           c.TLS.CertFile,
			KeyFile:            c.TLS.KeyFile,
		},
	}
}

func kafkaConfig(c config.KafkaConfig) kafka.Config {
	return kafka.Config{
		Enabled:        c.Enabled,
		Brokers:        c.Brokers,
		Topics:         c.Topics,
		GroupID:        c.GroupID,
		ClientID:       c.ClientID,
		WorkerCount:    c.WorkerCount,
		MaxPollRecords: c.MaxPollRecords,
		QueueCapacity:  c.QueueCapacity,
		TLS:            kafka.TLSConfig{Enabled: c.TLS.Enabled, InsecureSkipVerify: c.TLS.InsecureSkipVerify},
	}
}
