package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/agora/activitypub"
	"github.com/deemkeen/agora/crud"
	"github.com/deemkeen/agora/notify"
	"github.com/deemkeen/agora/util"
	"github.com/deemkeen/agora/web"
	"github.com/spf13/cobra"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the federation node",
		Long: `Run the federation node: the HTTP server with inboxes, actor documents,
feeds and the JSON API, plus the outbound delivery workers.

The node stops gracefully on SIGINT or SIGTERM.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(rootOpts, cmd)
		},
	}
}

func serve(opts *RootOptions, cmd *cobra.Command) error {
	conf := opts.conf
	log.Info("starting", "version", util.GetNameAndVersion(), "domain", conf.Conf.SslDomain)
	log.Debug("configuration", "conf", util.PrettyPrint(conf))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := opts.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	slurs, err := util.NewSlurFilter(conf.Conf.SlurFilter)
	if err != nil {
		return fmt.Errorf("slur filter: %w", err)
	}

	hub := notify.NewHub()
	engine := activitypub.NewEngine(store, hub, activitypub.OptionsFromConfig(conf))
	engine.Delivery().Start(ctx)

	service := crud.NewService(engine, hub, slurs)
	if err := web.NewServer(conf, engine, service, hub).Run(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	log.Info("stopped")
	return nil
}
