// latticectl is a thin operational CLI over a Lattice store: inspect
// the persisted schema, dump or replay the audit log, and acknowledge
// synchronized entries. It is deliberately schema-unaware: it opens the
// store with whatever descriptor set is already persisted.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	lattice "github.com/latticedb/lattice"
	"github.com/latticedb/lattice/internal/config"
	"github.com/latticedb/lattice/internal/kernel"
	"github.com/latticedb/lattice/internal/registry"
)

var (
	configPath string
	storePath  string
)

func main() {
	root := &cobra.Command{
		Use:          "latticectl",
		Short:        "Inspect and administer a Lattice store",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default: resolved from .lattice/)")
	root.PersistentFlags().StringVar(&storePath, "store", "", "store file path (overrides config)")

	root.AddCommand(schemaCmd(), auditCmd(), applyCmd(), ackCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if storePath != "" {
		cfg.Path = storePath
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("no store path: pass --store or configure one")
	}
	return cfg, nil
}

// openPersisted opens the store against its already-persisted
// descriptor set, so latticectl never triggers a migration.
func openPersisted(cfg *config.Config) (*lattice.Store, error) {
	k, err := kernel.Open(cfg.Path, kernel.Options{StmtCacheSize: cfg.StmtCacheSize})
	if err != nil {
		return nil, err
	}
	persisted, err := registry.LoadPersisted(k)
	if err != nil {
		_ = k.Close()
		return nil, err
	}
	if err := k.Close(); err != nil {
		return nil, err
	}
	tables := make([]*lattice.TableDescriptor, 0, len(persisted))
	for _, t := range persisted {
		tables = append(tables, t)
	}
	return lattice.Open(cfg, nil, tables...)
}

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the persisted schema as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			k, err := kernel.Open(cfg.Path, kernel.Options{})
			if err != nil {
				return err
			}
			defer k.Close()
			persisted, err := registry.LoadPersisted(k)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(persisted)
		},
	}
}

func auditCmd() *cobra.Command {
	var after string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Dump audit entries as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openPersisted(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			entries, err := store.EventsAfter(context.Background(), after)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&after, "after", "", "return entries strictly after this audit globalId")
	return cmd
}

func applyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply [payload.json]",
		Short: "Apply a sync payload (auditLog or ack) from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var payload []byte
			if len(args) == 1 {
				payload, err = os.ReadFile(args[0])
			} else {
				payload, err = io.ReadAll(os.Stdin)
			}
			if err != nil {
				return err
			}
			store, err := openPersisted(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			acked, err := store.ApplyRemote(context.Background(), payload)
			if err != nil {
				return err
			}
			fmt.Printf("applied %d entries\n", len(acked))
			return nil
		},
	}
}

func ackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ack <globalId>...",
		Short: "Mark audit entries synchronized",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openPersisted(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			payload, err := json.Marshal(map[string]any{"kind": "ack", "ids": args})
			if err != nil {
				return err
			}
			_, err = store.ApplyRemote(context.Background(), payload)
			return err
		},
	}
}
