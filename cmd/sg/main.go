package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"stagegate/internal/app"
	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/directory"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/migrate"
	"stagegate/internal/server"
	"stagegate/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "sg",
	Short: "Stagegate CLI",
	Long: `Stagegate runs documents through tiered approval gates.
- Template: per company (optionally per department) list of gates; the most specific, lowest sequence active template governs a document.
- Gate: a labelled approver set with a tier, an optional minimum amount and a quorum policy (ANY or ALL).
- Instance: a frozen copy of the template made at submission; later template edits never touch it.
- Tiers open in ascending order; a tier opens only when every gate below it is satisfied. One rejection rejects the instance.
- Approver references @manager and @department_manager are resolved from the directory at submission.
- Event log: every state change, view with 'sg log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetString("postgres-dsn") != "" {
			return nil
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STAGEGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (defaults to <workspace>/stagegate.yml)")
	flags.String("postgres-dsn", "", "use a Postgres store instead of the workspace SQLite database")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "acting principal")
	for _, name := range []string{"workspace", "config", "postgres-dsn", "json", "actor-id"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(directoryCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(rejectCmd())
	rootCmd.AddCommand(canActCmd())
	rootCmd.AddCommand(inboxCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if rt.SQL == nil {
					return printJSONOrText(map[string]any{"ok": true, "store": "postgres"}, "postgres schema up to date")
				}
				v, dirty, err := migrate.Version(rt.SQL)
				if err != nil {
					return err
				}
				return printJSONOrText(map[string]any{"ok": true, "store": "sqlite", "version": v, "dirty": dirty},
					fmt.Sprintf("sqlite schema at version %d", v))
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect stagegate.yml",
		Long:  "Config holds company currencies, dated exchange rates, the approver directory, seed templates, logging, metrics and webhooks.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.LoadConfig(runtimeOptions())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			return yaml.NewEncoder(os.Stdout).Encode(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.LoadConfig(runtimeOptions())
			if err == nil {
				err = c.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default stagegate.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfg.AddCommand(initCmd)
	return cfg
}

func directoryCmd() *cobra.Command {
	dir := &cobra.Command{Use: "directory", Short: "Manage the approver directory"}
	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import employees and departments from YAML",
		Long:  "The file uses the same employees/departments keys as the directory section of stagegate.yml.",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var in struct {
				Employees   []domain.Employee   `yaml:"employees"`
				Departments []domain.Department `yaml:"departments"`
			}
			if err := yaml.Unmarshal(data, &in); err != nil {
				return fmt.Errorf("invalid directory yaml: %w", err)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if rt.SQL == nil {
					return errors.New("the Postgres store reads the directory from config; edit stagegate.yml instead")
				}
				if err := (directory.Service{DB: rt.SQL}).Import(ctx, in.Employees, in.Departments); err != nil {
					return err
				}
				return printJSONOrText(map[string]int{"employees": len(in.Employees), "departments": len(in.Departments)},
					fmt.Sprintf("imported %d employees, %d departments", len(in.Employees), len(in.Departments)))
			})
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "directory YAML file")
	_ = importCmd.MarkFlagRequired("file")
	dir.AddCommand(importCmd)
	dir.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List employees",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if rt.SQL == nil {
					return printEmployees(rt.Config.Directory.Employees)
				}
				items, err := (directory.Service{DB: rt.SQL}).ListEmployees(ctx)
				if err != nil {
					return err
				}
				return printEmployees(items)
			})
		},
	})
	return dir
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var companyID, evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Events.LatestEvents(ctx, n, 0, repoFilters(companyID, evtType, entityKind, entityID))
				if err != nil {
					return err
				}
				return printEvents(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&companyID, "company", "", "company filter")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	lg.AddCommand(tail)
	return lg
}

func tokenCmd() *cobra.Command {
	var subject string
	var perms, roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with the server JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return errors.New("STAGEGATE_JWT_SECRET is required")
			}
			if subject == "" {
				subject = viper.GetString("actor-id")
			}
			token, err := server.SignToken(secret, subject, roles, perms, ttl)
			if err != nil {
				return err
			}
			return printJSONOrText(map[string]string{"token": token}, token)
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "principal id (defaults to --actor-id)")
	cmd.Flags().StringSliceVar(&perms, "permission", nil, "permission claim, e.g. template.write")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt-secret"),
					AllowLegacyActorHeader: allowActorHeader,
					EnableDevLogin:         devLogin,
				}
				if authCfg.JWTSecret == "" && !allowActorHeader {
					return errors.New("STAGEGATE_JWT_SECRET is required for bearer auth (or pass --allow-actor-header for local use)")
				}
				outcomes := telemetry.Component(rt.Log, "outcomes")
				rt.Engine.Outcomes = engine.OutcomeFunc(func(_ context.Context, n engine.OutcomeNotice) {
					outcomes.Info().Str("instance_id", n.InstanceID).Str("document_id", n.DocumentID).Str("outcome", n.Outcome).Msg("document decided")
				})
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					Events:   rt.Events,
					Metrics:  rt.Metrics,
					Log:      rt.Log,
					BasePath: basePath,
					Auth:     authCfg,
				})
				if err != nil {
					return err
				}
				hooks := server.NewWebhookDispatcher(rt.Events, rt.Config.Webhooks, rt.Log, rt.Metrics)
				go hooks.Run(ctx)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				rt.Log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving stagegate API (OpenAPI at <base>/openapi.json, Swagger UI at /docs, metrics at /metrics)")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without a token (local development)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST <base>/auth/dev/login")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func runtimeOptions() app.Options {
	return app.Options{
		Workspace:   viper.GetString("workspace"),
		ConfigPath:  viper.GetString("config"),
		PostgresDSN: viper.GetString("postgres-dsn"),
		ActorID:     viper.GetString("actor-id"),
		LogOutput:   os.Stderr,
	}
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, runtimeOptions())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func printJSONOrText(v any, text string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(text)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
