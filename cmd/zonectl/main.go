// Command zonectl administers zonesync servers through their admin API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type options struct {
	storePath string
	endpoint  string
	timeout   time.Duration
}

// domain is the subset of the server's domain view zonectl reads.
type domain struct {
	Name      string     `json:"name"`
	Serial    uint32     `json:"serial"`
	Published *time.Time `json:"published"`
	Touched   time.Time  `json:"touched"`
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "zonectl",
		Short: "Administer zonesync servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.storePath, "store", envOrDefault("ZONECTL_STORE", "zonectl-endpoints.json"), "Endpoints file (env ZONECTL_STORE)")
	cmd.PersistentFlags().StringVarP(&opts.endpoint, "endpoint", "e", "", "Endpoint name or id (default: first saved endpoint)")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Request timeout")

	cmd.AddCommand(
		newCmdEndpoint(opts),
		newCmdUser(opts),
		newCmdDomain(opts),
		newCmdPending(opts),
		newCmdSync(opts),
		newCmdBlock(opts),
		newCmdBlocked(opts),
	)
	return cmd
}

func main() {
	root := newRootCmd()
	root.SetContext(context.Background())
	if err := root.Execute(); err != nil {
		slog.Error("zonectl failed", "err", err)
		os.Exit(1)
	}
}

func (o *options) client() (*adminClient, error) {
	st, err := newEndpointStore(o.storePath)
	if err != nil {
		return nil, err
	}
	ep, err := st.pick(o.endpoint)
	if err != nil {
		return nil, err
	}
	return newAdminClient(ep, o.timeout), nil
}

func newCmdEndpoint(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoint",
		Short: "Manage saved endpoints",
		RunE:  func(cmd *cobra.Command, args []string) error { return fmt.Errorf("invalid command") },
	}

	var token string
	add := &cobra.Command{
		Use:   "add NAME URL",
		Short: "Save an endpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newEndpointStore(opts.storePath)
			if err != nil {
				return err
			}
			ep, err := st.add(args[0], args[1], token)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", ep.Name, ep.ID)
			return nil
		},
	}
	add.Flags().StringVar(&token, "token", "", "Admin token of the endpoint")

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newEndpointStore(opts.storePath)
			if err != nil {
				return err
			}
			for _, ep := range st.list() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", ep.Name, ep.BaseURL, ep.ID)
			}
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove NAME|ID",
		Short: "Forget a saved endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newEndpointStore(opts.storePath)
			if err != nil {
				return err
			}
			return st.remove(args[0])
		},
	}

	cmd.AddCommand(add, list, remove)
	return cmd
}

func newCmdUser(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
		RunE:  func(cmd *cobra.Command, args []string) error { return fmt.Errorf("invalid command") },
	}

	var (
		limit     int
		tokenName string
	)
	create := &cobra.Command{
		Use:   "create EMAIL",
		Short: "Create a user and print its first API token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var out map[string]any
			payload := map[string]any{"email": args[0], "limit_domains": limit, "token_name": tokenName}
			if err := c.do(cmd.Context(), http.MethodPost, "/users", payload, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	create.Flags().IntVar(&limit, "limit", 0, "Domain limit (0: server default)")
	create.Flags().StringVar(&tokenName, "token-name", "", "Name of the first token")

	cmd.AddCommand(create)
	return cmd
}

func newCmdDomain(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "domain",
		Short: "Manage domains",
		RunE:  func(cmd *cobra.Command, args []string) error { return fmt.Errorf("invalid command") },
	}

	var owner string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a domain for a user, including local public suffixes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var out domain
			payload := map[string]string{"name": args[0], "owner": owner}
			if err := c.do(cmd.Context(), http.MethodPost, "/domains", payload, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	create.Flags().StringVar(&owner, "owner", "", "Owner user id")
	_ = create.MarkFlagRequired("owner")

	cmd.AddCommand(create)
	return cmd
}

func newCmdPending(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List domains whose nameserver state may be behind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			pending, err := fetchPending(cmd.Context(), c)
			if err != nil {
				return err
			}
			for _, d := range pending {
				published := "never"
				if d.Published != nil {
					published = d.Published.Format(time.RFC3339)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\ttouched=%s\tpublished=%s\n", d.Name, d.Touched.Format(time.RFC3339), published)
			}
			return nil
		},
	}
}

func fetchPending(ctx context.Context, c *adminClient) ([]domain, error) {
	var out []domain
	if err := c.do(ctx, http.MethodGet, "/domains/pending", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func newCmdSync(opts *options) *cobra.Command {
	var pending bool
	cmd := &cobra.Command{
		Use:   "sync [DOMAIN...]",
		Short: "Push domains to the nameserver again",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			names := append([]string(nil), args...)
			if pending {
				list, err := fetchPending(cmd.Context(), c)
				if err != nil {
					return err
				}
				for _, d := range list {
					names = append(names, d.Name)
				}
			}
			if len(names) == 0 {
				return fmt.Errorf("no domains given, pass names or --pending")
			}
			return syncDomains(cmd.Context(), c, names, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&pending, "pending", false, "Sync every pending domain")
	return cmd
}

// syncDomains syncs each name in turn. A failure does not stop the others.
func syncDomains(ctx context.Context, c *adminClient, names []string, w io.Writer) error {
	var errs []error
	for _, name := range names {
		var out domain
		if err := c.do(ctx, http.MethodPost, "/domains/"+url.PathEscape(strings.ToLower(name))+"/sync", nil, &out); err != nil {
			fmt.Fprintf(w, "%s\tFAILED\t%v\n", name, err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		fmt.Fprintf(w, "%s\tok\tserial=%d\n", name, out.Serial)
	}
	return errors.Join(errs...)
}

func newCmdBlock(opts *options) *cobra.Command {
	var (
		subnet string
		asn    uint32
	)
	cmd := &cobra.Command{
		Use:   "block [IP]",
		Short: "Block the announced subnet of IP, or --subnet as given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			payload := map[string]any{"subnet": subnet, "asn": asn}
			if len(args) == 1 {
				payload = map[string]any{"ip": args[0]}
			}
			var out map[string]any
			if err := c.do(cmd.Context(), http.MethodPost, "/blocked-subnets", payload, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&subnet, "subnet", "", "CIDR subnet to block without lookup")
	cmd.Flags().Uint32Var(&asn, "asn", 0, "ASN recorded with --subnet")
	return cmd
}

func newCmdBlocked(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "blocked",
		Short: "List blocked subnets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var out []map[string]any
			if err := c.do(cmd.Context(), http.MethodGet, "/blocked-subnets", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}
