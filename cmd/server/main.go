package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"pluginlookup/internal/config"
	"pluginlookup/internal/logging"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "pluginlookup",
	Short: "Discover provider plugins and keep connections to them",
	Long: `pluginlookup scans registry sources for providers advertising the
pick-provider action, keeps one connection handle per provider and exposes
the result over HTTP.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: search standard locations)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(serveCmd, scanCmd, registerCmd, unregisterCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file named by --config or found on the search
// path and sets up the root logger from it, writing to logOut
func loadConfig(logOut io.Writer) (*config.Config, zerolog.Logger, error) {
	var (
		cfg  *config.Config
		path string
		err  error
	)
	if configPath != "" {
		cfg, path, err = config.LoadFromPath(configPath)
	} else {
		cfg, path, err = config.Load()
	}
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid config %s: %w", displayPath(path), err)
	}

	logger, err := logging.New(logOut, cfg.Logging)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger.Info().Str("config", displayPath(path)).Msg("configuration loaded")
	return cfg, logger, nil
}

func displayPath(path string) string {
	if path == "" {
		return "(defaults)"
	}
	return path
}
