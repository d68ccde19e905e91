// Command tessera inspects and operates a tessera shard catalog: validating
// configuration, listing resolved shards, and running transaction recovery.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"github.com/tesseradb/tessera/coordinator"
	"github.com/tesseradb/tessera/logger"
	"github.com/tesseradb/tessera/meta"
	"github.com/tesseradb/tessera/store"
	"github.com/tesseradb/tessera/store/sqlitestore"
)

// Config is the aggregate TOML configuration file.
type Config struct {
	Meta    meta.Config        `toml:"meta"`
	Txn     coordinator.Config `toml:"txn"`
	Logging logger.Config      `toml:"logging"`
}

// NewConfig builds a config with every section's defaults.
func NewConfig() Config {
	return Config{
		Meta:    meta.NewConfig(),
		Txn:     coordinator.NewConfig(),
		Logging: logger.NewConfig(),
	}
}

func loadConfig(path string) (Config, error) {
	config := NewConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return config, fmt.Errorf("decode %q: %w", path, err)
	}
	return config, nil
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "tessera",
		Short:         "Operate a tessera shard catalog",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "tessera.toml", "path to the configuration file")

	root.AddCommand(validateCmd(&configPath))
	root.AddCommand(shardsCmd(&configPath))
	root.AddCommand(recoverCmd(&configPath))
	return root
}

func validateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and shard catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := config.Txn.Validate(); err != nil {
				return err
			}

			log, err := logger.NewWithConfig(cmd.ErrOrStderr(), config.Logging)
			if err != nil {
				return err
			}
			defer log.Sync()

			reg, err := config.Meta.Registry(meta.WithLogger(log))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %d shards, %d entities\n",
				len(reg.Shards()), len(reg.Bindings()))
			return nil
		},
	}
}

func shardsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "shards",
		Short: "List the resolved shard catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			reg, err := config.Meta.Registry()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tENTITY\tMODE\tTIER\tPRIORITY\tKEY\tRANGE\tTARGET")
			for _, sd := range reg.Shards() {
				rng := ""
				if sd.HasKeyRange() {
					rng = fmt.Sprintf("[%s, %s)",
						sd.Start.Format("2006-01-02"), sd.End.Format("2006-01-02"))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					sd.ID, sd.Entity, sd.Mode, sd.Tier, sd.Priority, sd.KeyValue, rng, sd.Target)
			}
			return w.Flush()
		},
	}
}

func recoverCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Re-drive decided but unacknowledged transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if !config.Txn.RecoveryEnabled {
				return fmt.Errorf("recovery is not enabled in %q", *configPath)
			}

			log, err := logger.NewWithConfig(cmd.ErrOrStderr(), config.Logging)
			if err != nil {
				return err
			}
			defer log.Sync()

			reg, err := config.Meta.Registry(meta.WithLogger(log))
			if err != nil {
				return err
			}

			st := sqlitestore.NewStore()
			st.WithLogger(log)
			defer st.Close()

			resolver := coordinator.ParticipantResolverFunc(
				func(ctx context.Context, shardID string) (store.Participant, error) {
					sd, ok := reg.Shard(shardID)
					if !ok {
						return nil, fmt.Errorf("unknown shard %q", shardID)
					}
					return sqlitestore.NewParticipant(st, sd)
				})

			coord, err := coordinator.NewCoordinator(config.Txn,
				coordinator.WithParticipantResolver(resolver))
			if err != nil {
				return err
			}
			coord.WithLogger(log)
			defer coord.Close()

			resolved, err := coord.Recover(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "resolved %d transaction(s)\n", resolved)
			return err
		},
	}
}
