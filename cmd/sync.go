package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/biosync/internal/backend"
	"procodus.dev/biosync/internal/store/postgres"
	"procodus.dev/biosync/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass and print its summary",
	Long: `Run one manual sync pass for a tenant against the database configured
in the serve section, then print the pass summary as JSON.
No RabbitMQ or Redis is involved; do not run it next to a service that
syncs the same devices.`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().String("tenant", "", "tenant to sync (required)")
	syncCmd.Flags().String("device", "", "sync only this device")
	syncCmd.Flags().Duration("lookback", 0, "window of the pass (default is serve.sync.manual_lookback)")
	_ = syncCmd.MarkFlagRequired("tenant")
}

func runSync(cmd *cobra.Command, _ []string) error {
	logger := GetLogger("biosync-sync")

	tenantID, _ := cmd.Flags().GetString("tenant")
	deviceID, _ := cmd.Flags().GetString("device")
	lookback, _ := cmd.Flags().GetDuration("lookback")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	zones, err := backend.BuildZones(
		viper.GetString("serve.timezone.default"),
		viper.GetStringMapString("serve.timezone.tenants"),
	)
	if err != nil {
		return err
	}

	db, err := postgres.NewDB(ctx, &postgres.DBConfig{
		Logger:   logger,
		Host:     viper.GetString("serve.db.host"),
		Port:     viper.GetInt("serve.db.port"),
		User:     viper.GetString("serve.db.user"),
		Password: viper.GetString("serve.db.password"),
		DBName:   viper.GetString("serve.db.name"),
		SSLMode:  viper.GetString("serve.db.sslmode"),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		if err := postgres.CloseDB(db, logger); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	st, err := postgres.NewStore(db)
	if err != nil {
		return err
	}

	pipeline, err := backend.NewPipeline(&backend.PipelineConfig{
		Logger:          logger,
		Store:           st,
		Zones:           zones,
		Workers:         viper.GetInt("serve.sync.workers"),
		FetchLimit:      viper.GetInt("serve.sync.fetch_limit"),
		FetchTimeout:    viper.GetDuration("serve.sync.fetch_timeout"),
		DeviceTimeout:   viper.GetDuration("serve.sync.device_timeout"),
		ManualLookback:  viper.GetDuration("serve.sync.manual_lookback"),
		InitialLookback: viper.GetDuration("serve.sync.initial_lookback"),
	})
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	summary, err := pipeline.Orchestrator.Run(ctx, syncer.Request{
		TenantID: tenantID,
		DeviceID: deviceID,
		Trigger:  syncer.TriggerManual,
		Lookback: lookback,
	})
	if err != nil {
		return fmt.Errorf("sync pass failed: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("failed to print summary: %w", err)
	}
	if summary.DevicesFailed > 0 {
		return fmt.Errorf("%d of %d devices failed", summary.DevicesFailed, summary.DevicesAttempted)
	}
	return nil
}
