package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/biosync/internal/simulator"
	"procodus.dev/biosync/pkg/metrics"
)

var simulatorCmd = &cobra.Command{
	Use:   "simulator",
	Short: "Run simulated biometric terminals",
	Long: `Run ISAPI-compatible fake terminals that:
- Listen on consecutive ports starting at the base port
- Enroll generated people and record past working days of punches
- Record a live punch on every interval
- Require HTTP digest authentication`,
	RunE: runSimulator,
}

func init() {
	rootCmd.AddCommand(simulatorCmd)

	f := simulatorCmd.Flags()
	f.String("host", "127.0.0.1", "interface the terminals listen on")
	f.Int("base-port", 18080, "port of the first terminal")
	f.Int("terminals", 2, "number of simulated terminals")
	f.Int("people", 20, "people enrolled on each terminal")
	f.Int("history-days", 3, "past days of punches recorded at start")
	f.Duration("interval", 10*time.Second, "time between live punches on each terminal")
	f.Uint64("seed", 0, "seed of the generated data (0 is random)")
	f.String("timezone", "Asia/Kolkata", "IANA zone of the terminal clocks")
	f.String("username", "admin", "digest username of every terminal")
	f.String("password", "admin12345", "digest password of every terminal")
	f.Int("metrics-port", 0, "port serving /metrics (0 disables)")

	_ = viper.BindPFlag("simulator.host", f.Lookup("host"))
	_ = viper.BindPFlag("simulator.base_port", f.Lookup("base-port"))
	_ = viper.BindPFlag("simulator.terminals", f.Lookup("terminals"))
	_ = viper.BindPFlag("simulator.people", f.Lookup("people"))
	_ = viper.BindPFlag("simulator.history_days", f.Lookup("history-days"))
	_ = viper.BindPFlag("simulator.interval", f.Lookup("interval"))
	_ = viper.BindPFlag("simulator.seed", f.Lookup("seed"))
	_ = viper.BindPFlag("simulator.timezone", f.Lookup("timezone"))
	_ = viper.BindPFlag("simulator.username", f.Lookup("username"))
	_ = viper.BindPFlag("simulator.password", f.Lookup("password"))
	_ = viper.BindPFlag("simulator.metrics_port", f.Lookup("metrics-port"))
}

func runSimulator(_ *cobra.Command, _ []string) error {
	logger := GetLogger("biosync-simulator")
	logger.Info("starting device simulator")

	loc, err := time.LoadLocation(viper.GetString("simulator.timezone"))
	if err != nil {
		return fmt.Errorf("simulator timezone: %w", err)
	}

	config := &simulator.ServerConfig{
		Logger:            logger,
		Host:              viper.GetString("simulator.host"),
		BasePort:          viper.GetInt("simulator.base_port"),
		TerminalCount:     viper.GetInt("simulator.terminals"),
		PeoplePerTerminal: viper.GetInt("simulator.people"),
		HistoryDays:       viper.GetInt("simulator.history_days"),
		Interval:          viper.GetDuration("simulator.interval"),
		Seed:              viper.GetUint64("simulator.seed"),
		Location:          loc,
		Username:          viper.GetString("simulator.username"),
		Password:          viper.GetString("simulator.password"),
		Metrics:           metrics.NewSimulatorMetrics(metricsNamespace),
	}

	server, err := simulator.NewServer(config)
	if err != nil {
		logger.Error("failed to create simulator", "error", err)
		return err
	}

	logger.Info("simulator configuration",
		"host", config.Host,
		"base_port", config.BasePort,
		"terminal_count", config.TerminalCount,
		"people_per_terminal", config.PeoplePerTerminal,
		"history_days", config.HistoryDays,
		"interval", config.Interval,
		"timezone", loc.String(),
	)

	if port := viper.GetInt("simulator.metrics_port"); port > 0 {
		metricsServer := &http.Server{
			Addr:              net.JoinHostPort(config.Host, fmt.Sprint(port)),
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(ctx)
		}()
	}

	if err := server.Run(context.Background()); err != nil {
		logger.Error("simulator error", "error", err)
		return err
	}

	logger.Info("simulator stopped")
	return nil
}
