package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"pluginlookup/internal/config"
	"pluginlookup/internal/connection"
	"pluginlookup/internal/domain"
	"pluginlookup/internal/logging"
	"pluginlookup/internal/registry"
	"pluginlookup/internal/repository/sqlite"
	"pluginlookup/internal/supervisor"
	"pluginlookup/internal/telemetry"
)

// sources holds the registry built from config and whatever must be closed
// with it
type sources struct {
	source registry.Source
	repo   *sqlite.Repository
}

func (s *sources) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func buildSources(cfg *config.Config, logger zerolog.Logger) (*sources, error) {
	src := cfg.Discovery.Sources
	out := &sources{}
	var named []registry.NamedSource

	if src.Manifests.Enabled {
		named = append(named, registry.NamedSource{
			Name: "manifests",
			Source: registry.NewManifestSource(src.Manifests.Paths, src.Manifests.MaxDepth,
				logging.Component(logger, "manifests")),
		})
	}

	if src.Database.Enabled {
		repo, err := sqlite.New(src.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("open registration database: %w", err)
		}
		out.repo = repo
		named = append(named, registry.NamedSource{Name: "database", Source: repo})
	}

	if src.Network.Enabled {
		named = append(named, registry.NamedSource{
			Name: "network",
			Source: registry.NewNetworkSource(src.Network.Targets, cfg.Discovery.Action,
				registry.WithPortRange(src.Network.Ports),
				registry.WithScanTimeout(src.Network.Timeout.Duration()),
				registry.WithServiceDetection(src.Network.ServiceDetection),
				registry.WithSkipHostDiscovery(src.Network.SkipHostDiscovery),
				registry.WithNetworkLogger(logging.Component(logger, "network")),
			),
		})
	}

	if len(named) == 0 {
		return nil, errors.New("no registry sources enabled")
	}
	out.source = registry.NewMultiSource(named...)
	return out, nil
}

func buildConnector(cfg *config.Config) (connection.Connector, error) {
	conn := cfg.Connection
	switch conn.Transport {
	case config.TransportSSH:
		var password string
		if conn.SSH.PasswordEnv != "" {
			password = os.Getenv(conn.SSH.PasswordEnv)
		}
		return connection.NewSSHConnector(connection.SSHOptions{
			User:           conn.SSH.User,
			Port:           conn.SSH.Port,
			KeyPath:        conn.SSH.KeyPath,
			Password:       password,
			KnownHostsPath: conn.SSH.KnownHostsPath,
			DialTimeout:    conn.BindTimeout.Duration(),
		})
	default:
		return connection.NewProcessConnector(conn.Process.ModulesDir, conn.Process.SocketDir), nil
	}
}

func retryPolicy(cfg *config.Config) connection.RetryPolicy {
	return connection.RetryPolicy{
		Timeout:         cfg.Connection.BindTimeout.Duration(),
		MaxAttempts:     cfg.Connection.MaxAttempts,
		InitialInterval: cfg.Connection.InitialBackoff.Duration(),
		MaxInterval:     cfg.Connection.MaxBackoff.Duration(),
	}
}

func supervisorOptions(cfg *config.Config, logger zerolog.Logger, collector telemetry.Collector) []supervisor.Option {
	opts := []supervisor.Option{
		supervisor.WithAction(cfg.Discovery.Action),
		supervisor.WithEvictMissing(cfg.Discovery.EvictMissing),
		supervisor.WithRefreshInterval(cfg.Discovery.RefreshInterval.Duration()),
		supervisor.WithRetryPolicy(retryPolicy(cfg)),
		supervisor.WithMaxConcurrentBinds(cfg.Connection.MaxConcurrentBinds),
		supervisor.WithLogger(logging.Component(logger, "supervisor")),
		supervisor.WithCollector(collector),
	}
	if cfg.Playback.Enabled {
		opts = append(opts, supervisor.WithPlayback(domain.Descriptor{
			Module:     cfg.Playback.Module,
			EntryPoint: cfg.Playback.EntryPoint,
			Name:       "Playback",
		}))
	}
	return opts
}
