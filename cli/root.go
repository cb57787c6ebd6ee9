package cli

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/agora/db"
	"github.com/deemkeen/agora/util"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags and the configuration every command runs
// with.
type RootOptions struct {
	Verbose bool
	KeyBits int

	conf *util.AppConfig
}

// NewRootCommand creates the root command for the agora CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     util.Name,
		Short:   "agora - a federated link aggregator node",
		Long:    "A federated link aggregator node speaking ActivityPub with other instances.",
		Version: util.GetVersion(),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			conf, err := util.ReadConf()
			if err != nil {
				return err
			}
			if opts.Verbose {
				conf.Conf.LogLevel = "debug"
			}
			conf.ConfigureLogging()
			opts.conf = conf
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().IntVar(&opts.KeyBits, "key-bits", util.KeyBits, "RSA key size for new actors")
	_ = cmd.PersistentFlags().MarkHidden("key-bits")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewActorCommand(opts))
	cmd.AddCommand(NewCommunityCommand(opts))

	return cmd
}

// Execute runs the CLI with the process arguments.
func Execute() error {
	return NewRootCommand().ExecuteContext(context.Background())
}

func (opts *RootOptions) openStore(ctx context.Context) (*db.DB, error) {
	path := util.ResolveFilePath(opts.conf.Conf.DbPath)
	store, err := db.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	log.Debug("opened database", "path", path)
	return store, nil
}
