package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"clipline/internal/app"
	"clipline/internal/db"
	"clipline/internal/domain"
	"clipline/internal/engine"
	"clipline/internal/repo"
	"clipline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Clipline CLI",
	Long: `Clipline coordinates who is working on what in a content pipeline.
Core concepts:
- Workspace: your .clipline directory holding the database; roles and lease
  limits come from clipline.yml next to it.
- Work package: one deliverable (an episode, a clip) with a pipeline status.
- Lease: a time-bounded exclusive claim on a work package (cl claim/release);
  leases that outlive their deadline are swept by 'cl reclaim'.
- Script: the versioned text for a work package. At most one version is open
  for editing; locking freezes it with a content hash.
- Event log: diary of every transition, view with 'cl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CLIPLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(wpCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(releaseCmd())
	rootCmd.AddCommand(leaseCmd())
	rootCmd.AddCommand(reclaimCmd())
	rootCmd.AddCommand(scriptCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func wpCmd() *cobra.Command {
	wp := &cobra.Command{Use: "wp", Short: "Manage work packages"}
	wp.AddCommand(wpCreateCmd())
	wp.AddCommand(wpListCmd())
	wp.AddCommand(wpShowCmd())
	wp.AddCommand(wpSetStatusCmd())
	return wp
}

func wpCreateCmd() *cobra.Command {
	var id, title, status string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work package",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				wp, err := a.Engine.CreateWorkPackage(ctx, engine.WorkPackageCreateOptions{
					ID:      id,
					Title:   title,
					Status:  status,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(wp)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "work package id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&status, "status", "", "initial status")
	return cmd
}

func wpListCmd() *cobra.Command {
	var f repo.WorkPackageFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListWorkPackages(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Lease", "Assignee", "Expires"})
				for _, wp := range items {
					assignee := ""
					if wp.AssignedTo != nil {
						assignee = *wp.AssignedTo
					}
					expires := ""
					if wp.AssignedExpiresAt != nil {
						expires = *wp.AssignedExpiresAt
					}
					tw.AppendRow(table.Row{wp.ID, wp.Title, wp.Status, wp.AssignmentState, assignee, expires})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssignmentState, "state", "", "assignment state filter")
	cmd.Flags().StringVar(&f.AssignedTo, "assignee", "", "assignee filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func wpShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <work-package-id>",
		Short: "Show a work package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				wp, err := a.Engine.Repo.GetWorkPackage(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(wp)
			})
		},
	}
	return cmd
}

func wpSetStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <work-package-id>",
		Short: "Set pipeline status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if status == "" {
				return fmt.Errorf("--status required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				wp, err := a.Engine.SetStatus(ctx, args[0], status, viper.GetString("actor-id"), newCorrelationID())
				if err != nil {
					return err
				}
				return printJSONOrTable(wp)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func claimCmd() *cobra.Command {
	var role string
	var ttl int
	cmd := &cobra.Command{
		Use:   "claim <work-package-id>",
		Short: "Claim a lease on a work package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				wp, err := a.Engine.Claim(ctx, engine.ClaimOptions{
					WorkPackageID: args[0],
					ActorID:       viper.GetString("actor-id"),
					Role:          role,
					TTL:           time.Duration(ttl) * time.Second,
					CorrelationID: newCorrelationID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(wp)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role to claim under")
	cmd.Flags().IntVar(&ttl, "ttl", 0, "lease duration in seconds (config default when 0)")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func releaseCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "release <work-package-id>",
		Short: "Release an active lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				wp, err := a.Engine.Release(ctx, engine.ReleaseOptions{
					WorkPackageID: args[0],
					ActorID:       viper.GetString("actor-id"),
					AdminOverride: force,
					CorrelationID: newCorrelationID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(wp)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "release another actor's lease")
	return cmd
}

func leaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease <work-package-id>",
		Short: "Show the current lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				wp, err := a.Engine.Lease(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(wp)
			})
		},
	}
	return cmd
}

func reclaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Sweep leases past their deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				result, err := a.Engine.ReclaimExpired(ctx, viper.GetString("actor-id"), newCorrelationID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(result)
				}
				fmt.Println(result.Summary())
				for _, id := range result.ReclaimedIDs {
					fmt.Println("  " + id)
				}
				return nil
			})
		},
	}
	return cmd
}

func scriptCmd() *cobra.Command {
	script := &cobra.Command{Use: "script", Short: "Manage script versions"}
	script.AddCommand(scriptNewCmd())
	script.AddCommand(scriptShowCmd())
	script.AddCommand(scriptLockCmd())
	script.AddCommand(scriptVersionsCmd())
	return script
}

func scriptNewCmd() *cobra.Command {
	var content, file string
	cmd := &cobra.Command{
		Use:   "new <work-package-id>",
		Short: "Append a script version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if content == "" && file == "" {
				return fmt.Errorf("--content or --file required")
			}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				content = string(data)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v, err := a.Engine.CreateScriptVersion(ctx, engine.ScriptCreateOptions{
					WorkPackageID: args[0],
					Content:       content,
					ActorID:       viper.GetString("actor-id"),
					CorrelationID: newCorrelationID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "script text")
	cmd.Flags().StringVar(&file, "file", "", "read script text from file")
	return cmd
}

func scriptShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <work-package-id>",
		Short: "Show the current (unlocked) script version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v, err := a.Engine.CurrentScript(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	return cmd
}

func scriptLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock <work-package-id>",
		Short: "Lock the current script version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v, err := a.Engine.LockCurrentVersion(ctx, engine.LockOptions{
					WorkPackageID: args[0],
					ActorID:       viper.GetString("actor-id"),
					CorrelationID: newCorrelationID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	return cmd
}

func scriptVersionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions <work-package-id>",
		Short: "List script versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.Repo.GetWorkPackage(ctx, args[0]); err != nil {
					return err
				}
				versions, err := a.Engine.Repo.ListScriptVersions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(versions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "Hash", "Locked", "Locked By", "Created By", "Created At"})
				for _, v := range versions {
					lockedBy := ""
					if v.LockedBy != nil {
						lockedBy = *v.LockedBy
					}
					tw.AppendRow(table.Row{v.VersionNumber, shortHash(v.ContentHash), v.Locked, lockedBy, v.CreatedBy, v.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: claims, releases, sweeps, script versions, and locks.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, wpID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.ListAuditEvents(ctx, repo.AuditEventFilters{
					WorkPackageID: wpID,
					Type:          evtType,
					Limit:         n,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&wpID, "wp", "", "work package filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				secret := uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := a.Engine.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				// The plaintext is shown once and never stored.
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"api_key":  secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("CLIPLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowActorHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CLIPLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Clipline API on http://%s%s (db %s, OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
				addr, basePath, db.Path(viper.GetString("workspace")), basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept unauthenticated X-Actor-Id (dev only)")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newCorrelationID() string {
	return uuid.New().String()
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
