package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/giantswarm/gallery-oauth/internal/config"
	"github.com/giantswarm/gallery-oauth/server"
	"github.com/giantswarm/gallery-oauth/storage"
)

// withApp builds the app from the command's configuration, runs fn and
// releases everything afterwards. Management commands log to stderr only
// at warn level so their stdout stays scriptable.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	cfg, err := opts.load(cmd)
	if err != nil {
		return err
	}
	if cfg.Log.Level == "info" || cfg.Log.Level == "debug" {
		cfg.Log.Level = "warn"
	}
	if cfg.Storage.Driver == config.DriverMemory {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: storage.driver is memory; changes are lost when the command exits")
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func newClientCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage OAuth clients",
	}
	cmd.AddCommand(
		newClientCreateCmd(opts),
		newClientListCmd(opts),
		newClientUpdateCmd(opts),
		newClientRotateSecretCmd(opts),
		newClientDeleteCmd(opts),
	)
	return cmd
}

func newClientCreateCmd(opts *rootOptions) *cobra.Command {
	var reg server.ClientRegistration

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a client and print its secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if reg.Secret == "" {
				reg.Secret = os.Getenv("GALLERY_CLIENT_SECRET")
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				client, secret, err := a.server.RegisterClient(ctx, reg)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "client_id:     %s\n", client.ClientID)
				fmt.Fprintf(out, "client_secret: %s\n", secret)
				fmt.Fprintln(cmd.ErrOrStderr(), "The secret is not stored and cannot be shown again.")
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&reg.ClientID, "id", "", "client ID (generated when empty)")
	f.StringVar(&reg.Name, "name", "", "display name shown on the consent page")
	f.StringVar(&reg.Secret, "secret", "", "client secret (generated when empty; also read from GALLERY_CLIENT_SECRET)")
	f.BoolVar(&reg.Trusted, "trusted", false, "skip the consent page for this client")
	f.StringSliceVar(&reg.RedirectURIs, "redirect-uri", nil, "allowed redirect URI (repeatable)")
	f.StringSliceVar(&reg.AllowedScopes, "scope", nil, "scope the client may request (repeatable)")
	_ = cmd.MarkFlagRequired("redirect-uri")
	return cmd
}

func newClientListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				clients, err := a.server.ListClients(ctx)
				if err != nil {
					return err
				}
				return printClients(cmd.OutOrStdout(), clients)
			})
		},
	}
}

func printClients(w io.Writer, clients []*storage.Client) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLIENT ID\tNAME\tTRUSTED\tSCOPES\tREDIRECT URIS")
	for _, c := range clients {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n",
			c.ClientID, c.Name, c.Trusted,
			strings.Join(c.AllowedScopes, " "),
			strings.Join(c.RedirectURIs, ","))
	}
	return tw.Flush()
}

func newClientUpdateCmd(opts *rootOptions) *cobra.Command {
	var (
		name         string
		trusted      bool
		redirectURIs []string
		scopes       []string
	)

	cmd := &cobra.Command{
		Use:   "update CLIENT_ID",
		Short: "Change a client's name, trust, redirect URIs or scopes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var update server.ClientUpdate
			f := cmd.Flags()
			if f.Changed("name") {
				update.Name = &name
			}
			if f.Changed("trusted") {
				update.Trusted = &trusted
			}
			if f.Changed("redirect-uri") {
				update.RedirectURIs = redirectURIs
			}
			if f.Changed("scope") {
				update.AllowedScopes = scopes
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				client, err := a.server.UpdateClient(ctx, args[0], update)
				if err != nil {
					return err
				}
				return printClients(cmd.OutOrStdout(), []*storage.Client{client})
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&name, "name", "", "display name")
	f.BoolVar(&trusted, "trusted", false, "skip the consent page for this client")
	f.StringSliceVar(&redirectURIs, "redirect-uri", nil, "replace the allowed redirect URIs (repeatable)")
	f.StringSliceVar(&scopes, "scope", nil, "replace the allowed scopes (repeatable)")
	return cmd
}

func newClientRotateSecretCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-secret CLIENT_ID",
		Short: "Replace a client's secret and print the new one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				secret, err := a.server.RotateClientSecret(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "client_secret: %s\n", secret)
				return nil
			})
		},
	}
}

func newClientDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete CLIENT_ID",
		Short: "Delete a client and every code and token issued to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.server.DeleteClient(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}
