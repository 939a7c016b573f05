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

	"planline/internal/app"
	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/migrate"
	"planline/internal/repo"
	"planline/internal/server"
	"planline/internal/status"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Planline CLI",
	Long: `Planline tracks urban development submissions through staged review.
Core concepts:
- Workspace: your .planline directory with the database; the board config is stored in the DB and imported explicitly.
- Project: a development submission (residential, commercial, mixed_use, public) owned by the actor who created it.
- Review stages: draft -> architect -> engineer -> regulator -> approved; rejections are terminal, revisions loop back.
- Assignments: each stage opens exactly one review assignment, handed to the least-loaded reviewer on the roster.
- Ledger: every transition is an immutable approval entry; the chain is the project's full history.
- Roles: architect, engineer, regulator sign off on their own stage; admin may override stage ownership.`,
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
	viper.SetEnvPrefix("PLANLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("board", "", "board id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("board", rootCmd.PersistentFlags().Lookup("board"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(rejectCmd())
	rootCmd.AddCommand(reviseCmd())
	rootCmd.AddCommand(overrideCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(assignmentCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(rolesCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage development submissions"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectReturnCmd())
	prj.AddCommand(projectCancelCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a development submission",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.OwnerID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "project name")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "kind (residential, commercial, mixed_use, public)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	var owner, statusFilter string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProjects(ctx, owner, statusFilter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Kind", "Owner", "Status"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Kind, p.OwnerID, p.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner filter")
	cmd.Flags().StringVar(&statusFilter, "status", "", "status filter")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectReturnCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "return <id>",
		Short: "Pull a submission back to draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd.Context(), args[0], comment, nil, "",
				func(e engine.Engine) transitionFn { return e.ReturnToDraft })
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "comment")
	return cmd
}

func projectCancelCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd.Context(), args[0], comment, nil, "",
				func(e engine.Engine) transitionFn { return e.Cancel })
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "comment")
	return cmd
}

func submitCmd() *cobra.Command {
	var comment, layout string
	var attachments []string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit a project for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd.Context(), args[0], comment, attachments, layout,
				func(e engine.Engine) transitionFn { return e.SubmitForReview })
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "comment")
	cmd.Flags().StringVar(&layout, "layout", "", "layout id under review")
	cmd.Flags().StringArrayVar(&attachments, "attach", []string{}, "attachment reference (repeatable)")
	return cmd
}

func approveCmd() *cobra.Command {
	var comment, layout string
	var attachments []string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve the current review stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd.Context(), args[0], comment, attachments, layout,
				func(e engine.Engine) transitionFn { return e.Approve })
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "comment")
	cmd.Flags().StringVar(&layout, "layout", "", "layout id under review")
	cmd.Flags().StringArrayVar(&attachments, "attach", []string{}, "attachment reference (repeatable)")
	return cmd
}

func rejectCmd() *cobra.Command {
	var comment string
	var attachments []string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a project (terminal)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd.Context(), args[0], comment, attachments, "",
				func(e engine.Engine) transitionFn { return e.Reject })
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "comment")
	cmd.Flags().StringArrayVar(&attachments, "attach", []string{}, "attachment reference (repeatable)")
	return cmd
}

func reviseCmd() *cobra.Command {
	var comment string
	var attachments []string
	cmd := &cobra.Command{
		Use:   "revise <id>",
		Short: "Send a project back for revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd.Context(), args[0], comment, attachments, "",
				func(e engine.Engine) transitionFn { return e.RequestRevision })
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "comment")
	cmd.Flags().StringArrayVar(&attachments, "attach", []string{}, "attachment reference (repeatable)")
	return cmd
}

func overrideCmd() *cobra.Command {
	var target, comment string
	cmd := &cobra.Command{
		Use:   "override <id>",
		Short: "Admin override to a target status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				return fmt.Errorf("--target required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AdminOverride(ctx, engine.TransitionOptions{
					ProjectID: args[0],
					ActorID:   viper.GetString("actor-id"),
					Comment:   comment,
				}, status.Status(target))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "target status")
	cmd.Flags().StringVar(&comment, "comment", "", "comment")
	return cmd
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show your open review queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Queue(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Assignment", "Project", "Kind", "Role", "Status", "Assigned"})
				for _, item := range items {
					tw.AppendRow(table.Row{
						item.Assignment.ID, item.ProjectName, item.ProjectKind,
						item.Assignment.Role, item.Assignment.Status, item.Assignment.AssignedAt,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func assignmentCmd() *cobra.Command {
	a := &cobra.Command{Use: "assignment", Short: "Manage review assignments"}
	a.AddCommand(assignmentStartCmd())
	a.AddCommand(assignmentCompleteCmd())
	return a
}

func assignmentStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Start a pending review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.StartAssignment(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func assignmentCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a review assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CompleteAssignment(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func statsCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Reviewer workload and decision counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Stats(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Reviewer: %s\n", actor)
				fmt.Printf("  pending:        %d\n", s.Pending)
				fmt.Printf("  completed:      %d\n", s.Completed)
				fmt.Printf("  approved:       %d\n", s.Approved)
				fmt.Printf("  rejected:       %d\n", s.Rejected)
				fmt.Printf("  total reviewed: %d\n", s.TotalReviewed)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "reviewer id (defaults to --actor-id)")
	return cmd
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger <project-id>",
		Short: "Show a project's approval chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				chain, err := e.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(chain)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "From", "To", "Actor", "Role", "At", "Override"})
				for _, a := range chain {
					from := ""
					if a.StatusFrom != nil {
						from = *a.StatusFrom
					}
					tw.AppendRow(table.Row{a.Seq, from, a.StatusTo, a.ActorID, a.ActorRole, a.TS, a.IsAdminOverride})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func notificationsCmd() *cobra.Command {
	var unread bool
	var limit int
	var markRead string
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List your notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if markRead != "" {
					return e.MarkNotificationRead(ctx, markRead, actor)
				}
				items, err := e.Notifications(ctx, actor, unread, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Created", "Read"})
				for _, n := range items {
					read := n.ReadAt
					if read == "" {
						read = "-"
					}
					tw.AppendRow(table.Row{n.ID, n.Kind, n.CreatedAt, read})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unread, "unread", false, "unread only")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	cmd.Flags().StringVar(&markRead, "mark-read", "", "mark a notification read by id")
	return cmd
}

func rolesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "roles", Short: "Role management"}
	cmd.AddCommand(rolesWhoamiCmd())
	cmd.AddCommand(rolesGrantCmd())
	cmd.AddCommand(rolesRevokeCmd())
	return cmd
}

func rolesWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the current actor's roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				who, err := e.WhoAmI(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	}
	return cmd
}

func rolesGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a review role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.GrantRole(ctx, target, role, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id (architect, engineer, regulator, admin)")
	return cmd
}

func rolesRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a review role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeRole(ctx, target, role, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
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
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := viper.GetString("actor-id")
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := "pl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				k := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": k.ID, "name": k.Name, "key": raw, "created_at": k.CreatedAt})
				}
				fmt.Printf("Key %s created. Store it now; it is not shown again:\n%s\n", k.ID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the current actor's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := viper.GetString("actor-id")
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := viper.GetString("actor-id")
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0], actor)
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect board config",
		Long:  "Config is the board rulebook (stored in DB): reviewer rosters per stage, role descriptions, and webhook endpoints. Import from planline.yml.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var boardID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter planline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(boardID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s; edit the rosters, then run pl config import --file %s\n", path, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&boardID, "board-id", "board-1", "board id for the generated config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show board config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import board config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			boardID := cfg.Board.ID
			if override := viper.GetString("board"); override != "" {
				boardID = override
			}
			if boardID == "" {
				return fmt.Errorf("config.board.id is required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertBoardConfig(ctx, boardID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
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
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveBoardConfig(cmd.Context(), workspace, viper.GetString("board"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("PLANLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PLANLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Planline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-actor-header", false, "accept unauthenticated X-Actor-Id (dev only)")
	return cmd
}

// --- helpers ---

type transitionFn func(context.Context, engine.TransitionOptions) (engine.TransitionResult, error)

func runTransition(ctx context.Context, projectID, comment string, attachments []string, layoutID string, pick func(engine.Engine) transitionFn) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		res, err := pick(e)(ctx, engine.TransitionOptions{
			ProjectID:   projectID,
			ActorID:     viper.GetString("actor-id"),
			Comment:     comment,
			Attachments: attachments,
			LayoutID:    layoutID,
		})
		if err != nil {
			return err
		}
		return printJSONOrTable(res)
	})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveBoardConfig(ctx, workspace, viper.GetString("board"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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
