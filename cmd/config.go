package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"

	"procodus.dev/biosync/pkg/logger"
)

// metricsNamespace prefixes every exported metric.
const metricsNamespace = "biosync"

// InitConfig initializes Viper configuration.
// It supports reading from config files (config.yaml) and environment variables.
func InitConfig(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in current directory and /etc/biosync/
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/biosync/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// BIOSYNC_SERVE_DB_HOST overrides serve.db.host
	viper.SetEnvPrefix("BIOSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var configNotFoundErr viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFoundErr) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// GetLogger creates a slog.Logger for service from the log.* settings.
// Output goes to stderr so commands can print results on stdout.
func GetLogger(service string) *slog.Logger {
	return logger.New(&logger.Config{
		Output:  os.Stderr,
		Level:   logger.ParseLevel(viper.GetString("log.level")),
		Format:  viper.GetString("log.format"),
		Service: service,
	})
}
