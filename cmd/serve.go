package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/biosync/internal/backend"
	"procodus.dev/biosync/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync service",
	Long: `Run the sync service that:
- Polls due devices on a schedule
- Runs manual passes requested on the RabbitMQ trigger queue
- Persists events, identity mappings and attendance to PostgreSQL
- Serves the gRPC sync service and the operator HTTP API`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.String("db-host", "localhost", "PostgreSQL host")
	f.Int("db-port", 5432, "PostgreSQL port")
	f.String("db-user", "postgres", "PostgreSQL user")
	f.String("db-password", "", "PostgreSQL password")
	f.String("db-name", "biosync", "PostgreSQL database name")
	f.String("db-sslmode", "disable", "PostgreSQL SSL mode")
	f.String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	f.String("trigger-queue", "biosync.sync.requests", "RabbitMQ queue carrying manual sync requests")
	f.String("summary-queue", "", "RabbitMQ queue receiving pass summaries (empty disables)")
	f.String("redis-url", "", "Redis address for cross-process device leases (empty disables)")
	f.Duration("lease-ttl", 0, "device lease TTL (default derives from the device timeout)")
	f.Int("grpc-port", 9090, "gRPC server port")
	f.Int("http-port", 8080, "HTTP API port")
	f.Duration("scheduler-interval", time.Minute, "how often due devices are looked for (0 disables)")
	f.Int("workers", 4, "devices synced concurrently")
	f.Int("fetch-limit", 500, "maximum events per device fetch")
	f.Duration("fetch-timeout", 30*time.Second, "timeout of one device request")
	f.Duration("device-timeout", 2*time.Minute, "timeout of one device within a pass")
	f.Duration("manual-lookback", 24*time.Hour, "window of a manual pass")
	f.Duration("initial-lookback", 24*time.Hour, "window of the first pass of a device")
	f.String("timezone", "", "default IANA zone of tenants (empty means +05:30)")

	bind := map[string]string{
		"serve.db.host":                "db-host",
		"serve.db.port":                "db-port",
		"serve.db.user":                "db-user",
		"serve.db.password":            "db-password",
		"serve.db.name":                "db-name",
		"serve.db.sslmode":             "db-sslmode",
		"serve.rabbitmq.url":           "rabbitmq-url",
		"serve.rabbitmq.trigger_queue": "trigger-queue",
		"serve.rabbitmq.summary_queue": "summary-queue",
		"serve.redis.url":              "redis-url",
		"serve.redis.lease_ttl":        "lease-ttl",
		"serve.grpc.port":              "grpc-port",
		"serve.http.port":              "http-port",
		"serve.scheduler.interval":     "scheduler-interval",
		"serve.sync.workers":           "workers",
		"serve.sync.fetch_limit":       "fetch-limit",
		"serve.sync.fetch_timeout":     "fetch-timeout",
		"serve.sync.device_timeout":    "device-timeout",
		"serve.sync.manual_lookback":   "manual-lookback",
		"serve.sync.initial_lookback":  "initial-lookback",
		"serve.timezone.default":       "timezone",
	}
	for key, flag := range bind {
		_ = viper.BindPFlag(key, f.Lookup(flag))
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := GetLogger("biosync")
	logger.Info("starting sync service")

	config := &backend.ServerConfig{
		Logger:            logger,
		DBHost:            viper.GetString("serve.db.host"),
		DBPort:            viper.GetInt("serve.db.port"),
		DBUser:            viper.GetString("serve.db.user"),
		DBPassword:        viper.GetString("serve.db.password"),
		DBName:            viper.GetString("serve.db.name"),
		DBSSLMode:         viper.GetString("serve.db.sslmode"),
		RabbitMQURL:       viper.GetString("serve.rabbitmq.url"),
		TriggerQueue:      viper.GetString("serve.rabbitmq.trigger_queue"),
		SummaryQueue:      viper.GetString("serve.rabbitmq.summary_queue"),
		RedisURL:          viper.GetString("serve.redis.url"),
		LeaseTTL:          viper.GetDuration("serve.redis.lease_ttl"),
		GRPCPort:          viper.GetInt("serve.grpc.port"),
		HTTPPort:          viper.GetInt("serve.http.port"),
		SchedulerInterval: viper.GetDuration("serve.scheduler.interval"),
		Workers:           viper.GetInt("serve.sync.workers"),
		FetchLimit:        viper.GetInt("serve.sync.fetch_limit"),
		FetchTimeout:      viper.GetDuration("serve.sync.fetch_timeout"),
		DeviceTimeout:     viper.GetDuration("serve.sync.device_timeout"),
		ManualLookback:    viper.GetDuration("serve.sync.manual_lookback"),
		InitialLookback:   viper.GetDuration("serve.sync.initial_lookback"),
		DefaultTimezone:   viper.GetString("serve.timezone.default"),
		// Only settable from the config file: tenant id -> IANA zone.
		TenantTimezones: viper.GetStringMapString("serve.timezone.tenants"),
		BackendMetrics:  metrics.NewBackendMetrics(metricsNamespace),
		APIMetrics:      metrics.NewAPIMetrics(metricsNamespace),
		SyncMetrics:     metrics.NewSyncMetrics(metricsNamespace),
		MQMetrics:       metrics.NewMQMetrics(metricsNamespace),
	}

	server, err := backend.NewServer(config)
	if err != nil {
		logger.Error("failed to create sync server", "error", err)
		return err
	}

	logger.Info("sync server configuration",
		"db_host", config.DBHost,
		"db_port", config.DBPort,
		"db_name", config.DBName,
		"trigger_queue", config.TriggerQueue,
		"summary_queue", config.SummaryQueue,
		"leases", config.RedisURL != "",
		"grpc_port", config.GRPCPort,
		"http_port", config.HTTPPort,
		"scheduler_interval", config.SchedulerInterval,
		"workers", config.Workers,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("sync server error", "error", err)
		return err
	}

	logger.Info("sync server stopped")
	return nil
}
