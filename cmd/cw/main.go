package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"cloudwipe/internal/audit"
	"cloudwipe/internal/cloud"
	"cloudwipe/internal/config"
	"cloudwipe/internal/confirm"
	"cloudwipe/internal/db"
	"cloudwipe/internal/domain"
	"cloudwipe/internal/engine"
	"cloudwipe/internal/identity"
	"cloudwipe/internal/lock"
	"cloudwipe/internal/migrate"
	"cloudwipe/internal/ratelimit"
	"cloudwipe/internal/scope"
	"cloudwipe/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cw",
	Short: "Cloudwipe CLI",
	Long: `Cloudwipe bulk-deletes cloud resources and identity objects inside a
chosen scope (tenant, subscription, resource group, or single resource)
behind layered safety controls: per-tenant rate limiting, a cross-process
lock, two-source identity validation, a five-stage typed confirmation,
and a hash-chained audit log. There is no flag that bypasses
confirmation; destructive runs are always interactive or token-gated.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ensureNoBypassFlags(rootCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CLOUDWIPE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(scopeCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(serveCmd())
}

// bypassFlagNames are the confirmation-bypass spellings that must not
// exist anywhere in the command tree. Enforced at construction so such
// a flag cannot even be typed.
var bypassFlagNames = map[string]bool{
	"force":      true,
	"yes":        true,
	"assume-yes": true,
	"no-confirm": true,
	"confirm":    true,
}

func ensureNoBypassFlags(cmd *cobra.Command) {
	check := func(name string) {
		if bypassFlagNames[name] {
			panic(fmt.Sprintf("command %q registers forbidden bypass flag --%s", cmd.CommandPath(), name))
		}
	}
	cmd.Flags().VisitAll(func(f *pflag.Flag) { check(f.Name) })
	cmd.PersistentFlags().VisitAll(func(f *pflag.Flag) { check(f.Name) })
	for _, sub := range cmd.Commands() {
		ensureNoBypassFlags(sub)
	}
}

func initCmd() *cobra.Command {
	var operatorID, appID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter cloudwipe.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !domain.ValidGUID(operatorID) || !domain.ValidGUID(appID) {
				return fmt.Errorf("--operator-id and --app-id must be GUIDs")
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists; refusing to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(operatorID, appID)), 0o600); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			fmt.Println("next: set CLOUDWIPE_IDENTITY_KEY and run cw identity seal")
			return nil
		},
	}
	cmd.Flags().StringVar(&operatorID, "operator-id", "", "operating service principal object id (GUID)")
	cmd.Flags().StringVar(&appID, "app-id", "", "operating service principal application id (GUID)")
	_ = cmd.MarkFlagRequired("operator-id")
	_ = cmd.MarkFlagRequired("app-id")
	return cmd
}

func resetCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "reset", Short: "Run a guarded destructive reset"}
	cmd.AddCommand(resetTenantCmd())
	cmd.AddCommand(resetSubscriptionCmd())
	cmd.AddCommand(resetResourceGroupCmd())
	cmd.AddCommand(resetResourceCmd())
	return cmd
}

func resetTenantCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "tenant <tenant-id>",
		Short: "Reset every resource and identity object in a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(cmd.Context(), domain.ResetScope{
				Level:    domain.LevelTenant,
				TenantID: args[0],
			}, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "resolve and preview without deleting")
	return cmd
}

func resetSubscriptionCmd() *cobra.Command {
	var dryRun bool
	var subscriptions []string
	cmd := &cobra.Command{
		Use:   "subscription <tenant-id>",
		Short: "Reset the resources of one or more subscriptions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(cmd.Context(), domain.ResetScope{
				Level:           domain.LevelSubscription,
				TenantID:        args[0],
				SubscriptionIDs: subscriptions,
			}, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "resolve and preview without deleting")
	cmd.Flags().StringSliceVar(&subscriptions, "subscription", nil, "subscription id (repeatable)")
	_ = cmd.MarkFlagRequired("subscription")
	return cmd
}

func resetResourceGroupCmd() *cobra.Command {
	var dryRun bool
	var subscription string
	var groups []string
	cmd := &cobra.Command{
		Use:   "resource-group <tenant-id>",
		Short: "Reset one or more resource groups in a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(cmd.Context(), domain.ResetScope{
				Level:              domain.LevelResourceGroup,
				TenantID:           args[0],
				SubscriptionIDs:    []string{subscription},
				ResourceGroupNames: groups,
			}, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "resolve and preview without deleting")
	cmd.Flags().StringVar(&subscription, "subscription", "", "subscription id")
	cmd.Flags().StringSliceVar(&groups, "group", nil, "resource group name (repeatable)")
	_ = cmd.MarkFlagRequired("subscription")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}

func resetResourceCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "resource <tenant-id> <resource-id>",
		Short: "Delete a single resource by its full path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(cmd.Context(), domain.ResetScope{
				Level:      domain.LevelResource,
				TenantID:   args[0],
				ResourceID: args[1],
			}, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "resolve and preview without deleting")
	return cmd
}

func scopeCmd() *cobra.Command {
	var level, tenantID, resourceID string
	var subscriptions, groups []string
	cmd := &cobra.Command{
		Use:   "scope",
		Short: "Resolve a scope and print what would be deleted and preserved",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := domain.ResetScope{
				Level:              domain.ScopeLevel(level),
				TenantID:           tenantID,
				SubscriptionIDs:    subscriptions,
				ResourceGroupNames: groups,
				ResourceID:         resourceID,
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				result, err := e.Preview(ctx, s)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(result)
				}
				printResolution(result.Resolution)
				fmt.Printf("operating identity: %s (%s) is preserved\n", result.Self.DisplayName, result.Self.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&level, "level", "tenant", "scope level: tenant|subscription|resource_group|resource")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id (GUID)")
	cmd.Flags().StringSliceVar(&subscriptions, "subscription", nil, "subscription id (repeatable)")
	cmd.Flags().StringSliceVar(&groups, "group", nil, "resource group name (repeatable)")
	cmd.Flags().StringVar(&resourceID, "resource-id", "", "full resource path")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Inspect the audit log"}
	cmd.AddCommand(auditVerifyCmd())
	cmd.AddCommand(auditTailCmd())
	return cmd
}

func auditVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute the full hash chain and report the first break",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := openAudit()
			if err != nil {
				return err
			}
			if err := log.VerifyIntegrity(); err != nil {
				return err
			}
			entries, err := log.Entries()
			if err != nil {
				return err
			}
			fmt.Printf("audit log intact: %d entries\n", len(entries))
			return nil
		},
	}
}

func auditTailCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := openAudit()
			if err != nil {
				return err
			}
			entries, err := log.Entries()
			if err != nil {
				return err
			}
			if limit > 0 && len(entries) > limit {
				entries = entries[len(entries)-limit:]
			}
			if viper.GetBool("json") {
				return printJSON(entries)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Timestamp", "Event", "Tenant", "Hash"})
			for _, e := range entries {
				tw.AppendRow(table.Row{e.Timestamp, e.Event, e.TenantID, e.Hash[:12]})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries")
	return cmd
}

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "identity", Short: "Manage the operating identity"}
	cmd.AddCommand(identityShowCmd())
	cmd.AddCommand(identitySealCmd())
	return cmd
}

func identityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Resolve and print the two-source identity fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				fp, err := e.Guard.IdentifySelf(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(fp)
				}
				printFingerprint(os.Stdout, fp)
				return nil
			})
		},
	}
}

func identitySealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seal",
		Short: "Bind the operator configuration to a signed checksum",
		RunE: func(cmd *cobra.Command, args []string) error {
			guard, _, err := buildGuard()
			if err != nil {
				return err
			}
			if err := guard.SealState(); err != nil {
				return err
			}
			fmt.Println("sealed identity state at", guard.StatePath)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API (GET /scope, POST /execute)",
		RunE: func(cmd *cobra.Command, args []string) error {
			tokenKey := viper.GetString("token-key")
			if len(tokenKey) < 32 {
				return fmt.Errorf("CLOUDWIPE_TOKEN_KEY must be at least 32 characters")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: "/v0",
					TokenKey: []byte(tokenKey),
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				fmt.Println("listening on", addr)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	return cmd
}

// runReset resolves, confirms, and executes one reset. Exit code 0 is
// reserved for full success or a confirmed cancellation.
func runReset(ctx context.Context, s domain.ResetScope, dryRun bool) error {
	return withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
		if dryRun {
			result, err := e.Preview(ctx, s)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(result)
			}
			printResolution(result.Resolution)
			fmt.Println("dry run: nothing was deleted")
			return nil
		}

		confirmer := engine.ConfirmFunc(func(ctx context.Context, s domain.ResetScope, res domain.ScopeResolution, self domain.IdentityFingerprint) (bool, error) {
			session, err := confirm.NewSession(s, res, self, false, false, newStdinReader(), os.Stdout)
			if err != nil {
				return false, err
			}
			return session.Confirm(ctx)
		})
		result, err := e.Run(ctx, s, confirmer)
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			if err := printJSON(result.Outcome); err != nil {
				return err
			}
		} else {
			printOutcome(result.Outcome)
		}
		switch result.Outcome.Status {
		case domain.StatusSucceeded, domain.StatusCanceled:
			return nil
		default:
			return fmt.Errorf("reset finished with status %s: %d object(s) failed", result.Outcome.Status, len(result.Outcome.Failed))
		}
	})
}

// withEngine wires the full stack from the workspace config and tears
// it down after fn returns.
func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	guard, cfg, err := buildGuard()
	if err != nil {
		return err
	}

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}

	stateDir := filepath.Join(workspace, ".cloudwipe")
	rate, err := ratelimit.NewStore(filepath.Join(stateDir, "rate"))
	if err != nil {
		return err
	}
	log, err := audit.Open(filepath.Join(stateDir, "audit.log"))
	if err != nil {
		return err
	}

	resources := cloud.NewResourceClient(cfg.Endpoints.ResourceAPI, cfg.Endpoints.Token)
	directory := cloud.NewDirectoryClient(cfg.Endpoints.DirectoryAPI, cfg.Endpoints.Token)
	graph := cloud.NewGraphClient(cfg.Endpoints.GraphAPI, cfg.Endpoints.Token)
	guard.Directory = directory

	e := &engine.Engine{
		Rate:          rate,
		Locks:         lock.New(conn),
		Guard:         guard,
		Resolver:      &scope.Resolver{Resources: resources, Directory: directory, Guard: guard},
		Resources:     resources,
		Directory:     directory,
		Graph:         graph,
		Audit:         log,
		Concurrency:   cfg.Limits.Concurrency,
		ObjectTimeout: time.Duration(cfg.Limits.ObjectTimeoutSeconds) * time.Second,
		LockTTL:       time.Duration(cfg.Limits.LockTTLSeconds) * time.Second,
	}
	return fn(ctx, e)
}

// buildGuard loads the operator identity (source #1) and the signing
// key without touching the network.
func buildGuard() (*identity.Guard, *config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, nil, err
	}
	key := viper.GetString("identity-key")
	if key == "" {
		return nil, nil, fmt.Errorf("CLOUDWIPE_IDENTITY_KEY is not set")
	}
	return &identity.Guard{
		Operator: identity.Operator{
			ID:          cfg.Operator.ID,
			AppID:       cfg.Operator.AppID,
			DisplayName: cfg.Operator.DisplayName,
		},
		StatePath: filepath.Join(workspace, ".cloudwipe", "identity.sig"),
		Key:       []byte(key),
	}, cfg, nil
}

func openAudit() (*audit.Log, error) {
	workspace := viper.GetString("workspace")
	return audit.Open(filepath.Join(workspace, ".cloudwipe", "audit.log"))
}

// stdinReader reads one line per confirmation stage; an interrupt
// cancels the pending read instead of being treated as a "no".
type stdinReader struct {
	r *bufio.Reader
}

func newStdinReader() *stdinReader {
	return &stdinReader{r: bufio.NewReader(os.Stdin)}
}

func (s *stdinReader) ReadLine(ctx context.Context, prompt string) (string, error) {
	fmt.Print(prompt)
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := s.r.ReadString('\n')
		ch <- result{strings.TrimRight(line, "\r\n"), err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return "", r.err
		}
		return r.line, nil
	}
}

func printResolution(res domain.ScopeResolution) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Type", "Name", "Action"})
	for _, o := range res.ToDelete {
		tw.AppendRow(table.Row{o.ID, o.Type, o.DisplayName, "delete"})
	}
	for _, o := range res.ToPreserve {
		tw.AppendRow(table.Row{o.ID, o.Type, o.DisplayName, "preserve"})
	}
	tw.Render()
	fmt.Printf("%d to delete, %d to preserve\n", len(res.ToDelete), len(res.ToPreserve))
}

func printOutcome(out domain.DeletionOutcome) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Type", "Result", "Duration"})
	for _, o := range out.Objects {
		result := "deleted"
		if !o.Success {
			result = "failed: " + o.Error
		}
		tw.AppendRow(table.Row{o.ID, o.Type, result, o.Duration.Round(time.Millisecond)})
	}
	tw.Render()
	fmt.Printf("status=%s deleted=%d failed=%d\n", out.Status, len(out.Deleted), len(out.Failed))
}

func printFingerprint(w io.Writer, fp domain.IdentityFingerprint) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "App ID", "Display Name", "Roles"})
	tw.AppendRow(table.Row{fp.ID, fp.AppID, fp.DisplayName, strings.Join(fp.Roles, ", ")})
	tw.Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
