// Command caseflow is the field-verification case-management client.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/and161185/caseflow/internal/api"
	"github.com/and161185/caseflow/internal/config"
	"github.com/and161185/caseflow/internal/model"
	"github.com/and161185/caseflow/internal/service"
	"github.com/and161185/caseflow/internal/storage"
	"github.com/and161185/caseflow/internal/storage/sqlite"
	"github.com/and161185/caseflow/internal/token"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// app wires the long-lived service instances; they are constructed once per
// invocation and threaded through explicitly, never held as globals.
type app struct {
	cfg    config.Config
	log    *zap.Logger
	store  storage.Store
	tokens *token.Manager
	auth   service.AuthService
	cases  service.CaseService
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	config.SetDefaults(v)

	a := &app{}
	root := &cobra.Command{
		Use:           "caseflow",
		Short:         "Offline-resilient client for field verification cases",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.bootstrap(cmd.Context(), v)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.String("base-url", "", "remote service base URL")
	pf.String("store", "", "path to the local SQLite store")
	pf.Bool("offline", false, "force offline mode (cache only)")
	pf.Bool("seed-demo", false, "seed demo cases into an empty cache")
	pf.Bool("debug", false, "verbose logging")
	_ = v.BindPFlag("api.base_url", pf.Lookup("base-url"))
	_ = v.BindPFlag("storage.path", pf.Lookup("store"))
	_ = v.BindPFlag("sync.offline_mode", pf.Lookup("offline"))
	_ = v.BindPFlag("sync.seed_demo_data", pf.Lookup("seed-demo"))
	_ = v.BindPFlag("app.debug", pf.Lookup("debug"))

	v.SetEnvPrefix("CASEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	root.AddCommand(
		newVersionCommand(),
		newLoginCommand(a),
		newLogoutCommand(a),
		newWhoamiCommand(a),
		newListCommand(a),
		newGetCommand(a),
		newUpdateCommand(a),
		newSubmitCommand(a, "submit", "Submit a completed case"),
		newSubmitCommand(a, "resubmit", "Retry a failed case submission"),
		newSyncCommand(a),
		newRevokeCommand(a),
	)
	return root
}

// bootstrap builds the service graph from configuration.
func (a *app) bootstrap(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if cfg.App.Debug {
		a.log, err = zap.NewDevelopment()
	} else {
		a.log, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}

	if cfg.Storage.InMemory {
		a.store = storage.NewMemoryStore()
	} else {
		a.store, err = sqlite.Open(ctx, cfg.Storage.Path)
		if err != nil {
			return err
		}
	}

	a.tokens = token.NewManager(a.store, a.log.Named("token"))
	auth := service.NewAuthService(a.store, a.tokens, service.AuthConfig{
		BaseURL:    cfg.API.BaseURL,
		Timeout:    cfg.API.Timeout,
		AppVersion: cfg.App.Version,
	}, a.log.Named("auth"))
	a.auth = auth

	client := api.NewClient(api.Config{
		BaseURL:    cfg.API.BaseURL,
		Timeout:    cfg.API.Timeout,
		Retries:    cfg.API.Retries,
		RetryDelay: cfg.API.RetryDelay,
	}, auth, a.log.Named("api"))

	a.cases = service.NewCaseService(client, a.store, nil, service.CaseOptions{
		OfflineMode:    cfg.Sync.OfflineMode,
		MaxSyncRetries: cfg.Sync.MaxRetries,
		PageSize:       cfg.Sync.PageSize,
		SeedDemoData:   cfg.Sync.SeedDemoData,
	}, a.log.Named("cases"))
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "caseflow %s (%s)\n", version, buildDate)
		},
	}
}

func newLoginCommand(a *app) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate against the remote service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res := a.auth.Login(cmd.Context(), username, password)
			if res.Error != nil {
				return fmt.Errorf("%s: %s", res.Error.Code, res.Error.Message)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s\n", res.User.Username)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newLogoutCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the local session and invalidate it server-side",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res := a.auth.Logout(cmd.Context())
			if res.Error != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", res.Error.Message)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}

func newWhoamiCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current session and token state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := map[string]any{
				"authenticated": a.auth.IsAuthenticated(ctx),
				"token":         a.tokens.Metadata(ctx),
			}
			if user, err := a.auth.CurrentUser(ctx); err == nil {
				out["user"] = user
			}
			return printJSON(cmd, out)
		},
	}
}

func newListCommand(a *app) *cobra.Command {
	var params model.CaseListParams
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases (from the server, or the cache when offline)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printJSON(cmd, a.cases.GetCases(cmd.Context(), params))
		},
	}
	cmd.Flags().StringVar(&params.Status, "status", "", "filter by status")
	cmd.Flags().StringVar(&params.Search, "search", "", "search title/customer/id")
	cmd.Flags().StringVar(&params.SortBy, "sort", "", "sort by updatedAt (default) or priority")
	cmd.Flags().IntVar(&params.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&params.Limit, "limit", 0, "page size")
	return cmd
}

func newGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <case-id>",
		Short: "Show one case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.cases.GetCase(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, c)
		},
	}
}

func newUpdateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "update <case-id> <field=value>...",
		Short: "Update case fields (queued for sync when offline)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			updates := map[string]any{}
			for _, kv := range args[1:] {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("expected field=value, got %q", kv)
				}
				updates[k] = parseScalar(v)
			}
			c, err := a.cases.UpdateCase(cmd.Context(), args[0], updates)
			if err != nil {
				return err
			}
			return printJSON(cmd, c)
		},
	}
}

func newSubmitCommand(a *app, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <case-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res model.SubmitResult
			if use == "resubmit" {
				res = a.cases.ResubmitCase(cmd.Context(), args[0])
			} else {
				res = a.cases.SubmitCase(cmd.Context(), args[0])
			}
			return printJSON(cmd, res)
		},
	}
}

func newSyncCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain the pending-mutation queue against the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printJSON(cmd, a.cases.SyncWithServer(cmd.Context()))
		},
	}
}

func newRevokeCommand(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "revoke <case-id>",
		Short: "Remove a case from this device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.cases.RevokeCase(cmd.Context(), args[0], model.RevokeReason(reason))
		},
	}
	cmd.Flags().StringVar(&reason, "reason", string(model.RevokeNotMyArea), "revoke reason")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseScalar keeps numeric and boolean field values typed in the update
// document instead of sending everything as strings.
func parseScalar(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	var n float64
	if err := json.Unmarshal([]byte(s), &n); err == nil {
		return n
	}
	return s
}
