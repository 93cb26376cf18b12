package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/fleet-control/pkg/logger"
)

// InitConfig initializes Viper configuration.
// It supports reading from config files (config.yaml) and environment
// variables prefixed with FLEETCTL_, e.g. FLEETCTL_BACKEND_MQTT_BROKER.
func InitConfig(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/fleetctl/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("FLEETCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var configNotFoundErr viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFoundErr) {
			// Config file not found; rely on env vars and defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// GetLogger creates the process logger from the log.* keys.
func GetLogger(service string) (*slog.Logger, error) {
	level, err := logger.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		return nil, err
	}
	return logger.New(&logger.Config{
		Output:  os.Stdout,
		Level:   level,
		Format:  viper.GetString("log.format"),
		Service: service,
	})
}

// binding ties a config key to a command flag.
type binding struct {
	key  string
	flag string
}

// bindFlags binds the flags of the command being run. Subcommands that
// share keys bind at run time so the last registered command does not win.
func bindFlags(cmd *cobra.Command, bindings []binding) error {
	for _, b := range bindings {
		f := cmd.Flags().Lookup(b.flag)
		if f == nil {
			return fmt.Errorf("unknown flag %q for %s", b.flag, b.key)
		}
		if err := viper.BindPFlag(b.key, f); err != nil {
			return fmt.Errorf("failed to bind %s flag: %w", b.flag, err)
		}
	}
	return nil
}
