package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/agora/activitypub"
	"github.com/deemkeen/agora/db"
	"github.com/deemkeen/agora/domain"
	"github.com/deemkeen/agora/util"
	"github.com/spf13/cobra"
)

const tokenBytes = 32

var validName = regexp.MustCompile(`^[a-z0-9_]{3,20}$`)

// CommunityOptions holds flags for the community create command.
type CommunityOptions struct {
	*RootOptions
	Owner       string
	DisplayName string
}

// NewActorCommand creates the actor command group.
func NewActorCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actor",
		Short: "Manage local people",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a local person and print its API token",
		Long: `Create a local person with a fresh keypair.

The API token is printed once; only its hash is stored.

Example:
  agora actor create alice`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return createActor(cmd.Context(), rootOpts, args[0], cmd.OutOrStdout())
		},
	})
	return cmd
}

// NewCommunityCommand creates the community command group.
func NewCommunityCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CommunityOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "community",
		Short: "Manage local communities",
	}
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a local community owned by a local person",
		Long: `Create a local community with a fresh keypair.

Example:
  agora community create gardening --owner alice --title "Gardening"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return createCommunity(cmd.Context(), opts, args[0], cmd.OutOrStdout())
		},
	}
	create.Flags().StringVar(&opts.Owner, "owner", "", "name of the local person owning the community (required)")
	create.Flags().StringVar(&opts.DisplayName, "title", "", "display name of the community")
	_ = create.MarkFlagRequired("owner")
	cmd.AddCommand(create)

	return cmd
}

func checkName(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if !validName.MatchString(name) {
		return "", fmt.Errorf("invalid name %q: use 3 to 20 lower-case letters, digits or underscores", name)
	}
	return name, nil
}

func createActor(ctx context.Context, opts *RootOptions, name string, out io.Writer) error {
	name, err := checkName(name)
	if err != nil {
		return err
	}
	store, err := opts.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	actor, err := activitypub.NewLocalActor(opts.conf.Conf.SslDomain, domain.ActorPerson, name, opts.KeyBits)
	if err != nil {
		return fmt.Errorf("generate keys: %w", err)
	}
	token, err := util.NewToken(tokenBytes)
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}
	actor.TokenHash = util.TokenHash(token)

	if err := store.CreateLocalActor(ctx, actor); err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	log.Info("created person", "uri", actor.ActorURI)
	fmt.Fprintf(out, "created %s %s\n", actor.Kind, actor.ActorURI)
	fmt.Fprintf(out, "token: %s\n", token)
	return nil
}

func createCommunity(ctx context.Context, opts *CommunityOptions, name string, out io.Writer) error {
	name, err := checkName(name)
	if err != nil {
		return err
	}
	store, err := opts.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	owner, err := store.ReadLocalActorByName(ctx, domain.ActorPerson, opts.Owner)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("owner %q is not a local person", opts.Owner)
	}
	if err != nil {
		return fmt.Errorf("read owner %q: %w", opts.Owner, err)
	}

	community, err := activitypub.NewLocalActor(opts.conf.Conf.SslDomain, domain.ActorCommunity, name, opts.KeyBits)
	if err != nil {
		return fmt.Errorf("generate keys: %w", err)
	}
	community.OwnerId = owner.Id
	community.DisplayName = opts.DisplayName

	if err := store.CreateLocalActor(ctx, community); err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	log.Info("created community", "uri", community.ActorURI, "owner", owner.ActorURI)
	fmt.Fprintf(out, "created %s %s\n", community.Kind, community.ActorURI)
	return nil
}
