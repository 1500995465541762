package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"pluginlookup/internal/codec"
	"pluginlookup/internal/domain"
	"pluginlookup/internal/repository"
	"pluginlookup/internal/repository/sqlite"
)

var (
	regFile        string
	regName        string
	regConfigClass string
	regActions     []string
)

var registerCmd = &cobra.Command{
	Use:   "register [module/entry]",
	Short: "Add providers to the registration database",
	Long: `Register stores a provider in the database source. Either name a
single provider as module/entry, or import every service of a manifest with
--file.`,
	Example: `  pluginlookup register org.example.music/provider --name "Example Music"
  pluginlookup register --file ./providers/example/provider.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var regs []domain.Registration
		switch {
		case regFile != "" && len(args) == 0:
			var err error
			if regs, err = readManifestFile(regFile); err != nil {
				return err
			}
		case regFile == "" && len(args) == 1:
			id, err := domain.ParseProviderID(args[0])
			if err != nil {
				return err
			}
			meta := map[string]string{}
			if regName != "" {
				meta[domain.MetaName] = regName
			}
			if regConfigClass != "" {
				meta[domain.MetaConfigClass] = regConfigClass
			}
			regs = []domain.Registration{{
				Module:     id.Module,
				EntryPoint: id.EntryPoint,
				Actions:    regActions,
				Metadata:   meta,
			}}
		default:
			return fmt.Errorf("give either module/entry or --file")
		}

		repo, err := openRepository(cmd)
		if err != nil {
			return err
		}
		defer repo.Close()

		for _, reg := range regs {
			if len(reg.Actions) == 0 {
				reg.Actions = []string{domain.ActionPickProvider}
			}
			if err := repo.Register(cmd.Context(), reg); err != nil {
				return fmt.Errorf("register %s: %w", reg.ID(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", reg.ID())
		}
		return nil
	},
}

var unregisterCmd = &cobra.Command{
	Use:   "unregister module/entry...",
	Short: "Remove providers from the registration database",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]domain.ProviderID, 0, len(args))
		for _, arg := range args {
			id, err := domain.ParseProviderID(arg)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}

		repo, err := openRepository(cmd)
		if err != nil {
			return err
		}
		defer repo.Close()

		var missing []string
		for _, id := range ids {
			removed, err := repo.Unregister(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("unregister %s: %w", id, err)
			}
			if !removed {
				missing = append(missing, id.String())
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unregistered %s\n", id)
		}
		if len(missing) > 0 {
			return fmt.Errorf("not registered: %s", strings.Join(missing, ", "))
		}
		return nil
	},
}

func init() {
	registerCmd.Flags().StringVarP(&regFile, "file", "f", "", "import every service of a provider manifest")
	registerCmd.Flags().StringVar(&regName, "name", "", "display name")
	registerCmd.Flags().StringVar(&regConfigClass, "config-class", "", "configuration entry point")
	registerCmd.Flags().StringSliceVar(&regActions, "action", nil, "advertised actions (default: pick-provider)")
}

// openRepository opens the database source named in config, whether or not
// it is enabled for discovery
func openRepository(cmd *cobra.Command) (repository.Repository, error) {
	cfg, _, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	path := cfg.Discovery.Sources.Database.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	repo, err := sqlite.New(path)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

func readManifestFile(path string) ([]domain.Registration, error) {
	importer, ok := codec.ImporterFor(path)
	if !ok {
		return nil, fmt.Errorf("unsupported manifest format: %s", filepath.Ext(path))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	manifest, err := importer.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return manifest.Registrations("cli"), nil
}
