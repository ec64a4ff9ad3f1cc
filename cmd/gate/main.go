package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
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

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/migrate"
	"gateline/internal/notify"
	"gateline/internal/repo"
	"gateline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gate",
	Short: "Gateline CLI",
	Long: `Gateline drives tasks through validation checkpoints.
Core concepts:
- Workspace: the .gateline directory holding the database; gateline.yml next to it holds the checklist.
- Task: a unit of work moving through gates C0_COMPREHENSION -> C1_PLAN -> C2_IMPLEMENTATION -> C3_PR -> C4_POSTMERGE.
- Proof: an artifact (diff, test-output, review-approval, ...) submitted against the current gate.
- Criteria: each gate's exit checklist; a gate passes only when every criterion has a passing proof.
- Handoff: the record emitted on every pass, naming who hands work to whom.
- Escalation: failed attempt budgets and manual flags route to a human; decisions are approved, rejected, or needs-rework.
- Event log: diary of changes, view with 'gate log tail'.`,
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
	viper.SetEnvPrefix("GATELINE")
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
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(escalationCmd())
	rootCmd.AddCommand(checklistCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default gateline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show workspace status",
		Long:  "Task counts per status across the workspace.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountTasksByStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskSubmitCmd())
	task.AddCommand(taskAdvanceCmd())
	task.AddCommand(taskAbandonCmd())
	task.AddCommand(taskEscalateCmd())
	task.AddCommand(taskHandoffsCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task at the first gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, title, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Checkpoint", "Status"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Checkpoint, t.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Checkpoint, "checkpoint", "", "checkpoint filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with attempt counters and any open escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(view)
			})
		},
	}
	return cmd
}

func taskSubmitCmd() *cobra.Command {
	var checkpoint, kind, result, ref, by string
	cmd := &cobra.Command{
		Use:   "submit <task-id>",
		Short: "Submit a proof against the task's current gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cp := domain.Checkpoint(checkpoint)
				if checkpoint == "" {
					t, err := e.Repo.GetTask(ctx, args[0])
					if err != nil {
						return err
					}
					cp = t.Checkpoint
				}
				res, err := e.SubmitProofs(ctx, args[0], cp, []engine.ProofSubmission{{
					Kind:        kind,
					Result:      result,
					Ref:         ref,
					SubmittedBy: domain.Role(by),
				}}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "checkpoint (defaults to the task's current gate)")
	cmd.Flags().StringVar(&kind, "kind", "", "proof kind, e.g. test-output")
	cmd.Flags().StringVar(&result, "result", "pass", "pass or fail")
	cmd.Flags().StringVar(&ref, "ref", "", "artifact reference")
	cmd.Flags().StringVar(&by, "role", "", "submitting role (defaults to the gate's owner)")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func taskAdvanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance <task-id>",
		Short: "Advance past the current gate when criteria hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Advance(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	return cmd
}

func taskAbandonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abandon <task-id>",
		Short: "Abandon a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Abandon(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	return cmd
}

func taskEscalateCmd() *cobra.Command {
	var reason, riskTag string
	cmd := &cobra.Command{
		Use:   "escalate <task-id>",
		Short: "Raise a manual escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				esc, err := e.Escalate(ctx, args[0], reason, riskTag, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(esc)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why human attention is needed")
	cmd.Flags().StringVar(&riskTag, "risk-tag", "", "risk classification, e.g. security")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func taskHandoffsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handoffs <task-id>",
		Short: "List handoff records for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListHandoffs(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "From", "To", "Checkpoint", "At"})
				for _, h := range items {
					tw.AppendRow(table.Row{h.ID, h.FromRole, h.ToRole, h.CheckpointCompleted, h.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func escalationCmd() *cobra.Command {
	esc := &cobra.Command{Use: "escalation", Short: "Manage escalations"}
	esc.AddCommand(escalationListCmd())
	esc.AddCommand(escalationResolveCmd())
	return esc
}

func escalationListCmd() *cobra.Command {
	var f repo.EscalationFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEscalations(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Checkpoint", "Risk", "Decision", "Raised"})
				for _, item := range items {
					decision := ""
					if item.Decision != nil {
						decision = *item.Decision
					}
					tw.AppendRow(table.Row{item.ID, item.TaskID, item.Checkpoint, item.RiskTag, decision, item.RaisedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	cmd.Flags().BoolVar(&f.Unresolved, "unresolved", false, "only unresolved")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max escalations")
	return cmd
}

func escalationResolveCmd() *cobra.Command {
	var decision string
	cmd := &cobra.Command{
		Use:   "resolve <escalation-id>",
		Short: "Record a human decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Resolve(ctx, args[0], decision, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approved, rejected, or needs-rework")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func checklistCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checklist",
		Short: "Show the checkpoint checklist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Checkpoints)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Checkpoint", "Criterion", "Accepted kinds"})
			for _, cp := range domain.Sequence {
				for _, crit := range cfg.Criteria(cp) {
					tw.AppendRow(table.Row{cp, crit.ID, strings.Join(crit.Accept, ", ")})
				}
			}
			tw.Render()
			return nil
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: proofs, gate passes, handoffs, escalations.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
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
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			e.Notify = notify.NewWebhook(cfg.Notify.EscalationURL)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("GATELINE_JWT_SECRET"),
				AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = cfg.Auth.JWTSecret
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("GATELINE_JWT_SECRET is required for bearer auth")
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
			fmt.Printf("Serving Gateline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw := make([]byte, 24)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				key := "gl_" + hex.EncodeToString(raw)
				rec := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(key),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, rec); err != nil {
					return err
				}
				fmt.Println(key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- helpers ---

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
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
