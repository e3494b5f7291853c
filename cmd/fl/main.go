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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fieldline/internal/app"
	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/migrate"
	"fieldline/internal/repo"
	"fieldline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Fieldline CLI",
	Long: `Fieldline runs the production-block lifecycle for a farm.
Core concepts:
- Workspace: your .fieldline directory holding the database; crop catalogs live in the DB and are imported explicitly.
- Farm: owns blocks, tasks, roles and the crop catalog.
- Block: a production unit cycling empty -> planned -> growing -> (fruiting) -> harvesting -> cleaning -> empty. Any state can drop into alert (manager only).
- Crop profile: per-crop day offsets between stages; transitions derive expected dates and follow-up tasks from it.
- Tasks: generated work items (state_transition, monitoring, harvest_recording). Completing is first-come-first-served; cancelling needs the manager role.
- Event log: diary of changes, view with 'fl log tail'.`,
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
	viper.SetEnvPrefix("FIELDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("farm", "", "farm id (overrides single-farm default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("farm", rootCmd.PersistentFlags().Lookup("farm"))
}

func registerCommands() {
	rootCmd.AddCommand(farmCmd())
	rootCmd.AddCommand(blockCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(overdueCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func farmCmd() *cobra.Command {
	farm := &cobra.Command{Use: "farm", Short: "Manage farms"}
	farm.AddCommand(farmCreateCmd())
	farm.AddCommand(farmListCmd())
	farm.AddCommand(farmShowCmd())
	farm.AddCommand(farmConfigCmd())
	return farm
}

func farmCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create farm",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			f, err := e.InitFarm(cmd.Context(), id, name, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(f)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "farm id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func farmListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List farms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListFarms(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func farmShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a farm",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.Repo.GetFarm(ctx, e.Config.Farm.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
}

func farmConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage the farm crop catalog",
	}
	cfg.AddCommand(farmConfigShowCmd())
	cfg.AddCommand(farmConfigImportCmd())
	return cfg
}

func farmConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show crop catalog stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func farmConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import crop catalog from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			farmID := cfg.Farm.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if farmID == "" {
					farmID = e.Config.Farm.ID
				}
				if err := e.Repo.UpsertFarmConfig(ctx, farmID, cfg); err != nil {
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

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show farm status",
		Long:  "Scoreboard for the farm: blocks per state, tasks per status, overdue count.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				farmID := e.Config.Farm.ID
				f, err := e.Repo.GetFarm(ctx, farmID)
				if err != nil {
					return err
				}
				blocks, err := e.Repo.CountBlocksByState(ctx, farmID)
				if err != nil {
					return err
				}
				tasks, err := e.Repo.CountTasksByStatus(ctx, farmID)
				if err != nil {
					return err
				}
				overdue, err := e.Repo.CountOverduePending(ctx, farmID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"farm_id":         f.ID,
					"status":          f.Status,
					"blocks_by_state": blocks,
					"tasks_by_status": tasks,
					"overdue_pending": overdue,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Farm: %s (%s)\n", f.ID, f.Status)
				fmt.Println("Blocks:")
				for state, c := range blocks {
					fmt.Printf("  %s: %d\n", state, c)
				}
				fmt.Println("Tasks:")
				for status, c := range tasks {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Printf("Overdue pending: %d\n", overdue)
				return nil
			})
		},
	}
}

func blockCmd() *cobra.Command {
	block := &cobra.Command{
		Use:   "block",
		Short: "Manage production blocks",
		Long:  "Blocks cycle empty -> planned -> growing -> (fruiting) -> harvesting -> cleaning -> empty. Transitions generate follow-up tasks from the crop profile.",
	}
	block.AddCommand(blockCreateCmd())
	block.AddCommand(blockListCmd())
	block.AddCommand(blockShowCmd())
	block.AddCommand(blockTransitionCmd())
	return block
}

func blockCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a block",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.CreateBlock(ctx, engine.BlockCreateOptions{
					ID:      id,
					FarmID:  e.Config.Farm.ID,
					Name:    name,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "block id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "block name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func blockListCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				filters := repo.BlockFilters{FarmID: e.Config.Farm.ID}
				if state != "" {
					st, ok := domain.ParseBlockState(state)
					if !ok {
						return fmt.Errorf("unknown state %q", state)
					}
					filters.State = st
				}
				items, err := e.Repo.ListBlocks(ctx, filters)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "State", "Crop", "Planting", "Version"})
				for _, b := range items {
					tw.AppendRow(table.Row{b.ID, b.Name, b.State, b.Crop, b.PlannedPlantingDate, b.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	return cmd
}

func blockShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Repo.GetBlock(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func blockTransitionCmd() *cobra.Command {
	var to, crop, plantingDate, reason string
	var manager bool
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Transition a block to a new lifecycle state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toState, ok := domain.ParseBlockState(to)
			if !ok {
				return fmt.Errorf("unknown state %q", to)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := domain.Actor{ID: viper.GetString("actor-id"), Manager: manager}
				if !actor.Manager {
					isMgr, err := e.Auth.IsManager(ctx, e.Config.Farm.ID, actor.ID)
					if err != nil {
						return err
					}
					actor.Manager = isMgr
				}
				b, err := e.Transition(ctx, domain.TransitionRequest{
					BlockID:      args[0],
					ToState:      toState,
					Actor:        actor,
					Crop:         crop,
					PlantingDate: plantingDate,
					Reason:       reason,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "destination state")
	cmd.Flags().StringVar(&crop, "crop", "", "crop name (empty -> planned only)")
	cmd.Flags().StringVar(&plantingDate, "planting-date", "", "planned planting date YYYY-MM-DD (empty -> planned only)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason (alert only)")
	cmd.Flags().BoolVar(&manager, "manager", false, "assert manager capability without a role lookup")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage farm tasks",
		Long:  "Tasks are generated by block transitions. Completing is first-come-first-served; cancelling a pending task requires the manager role.",
	}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskCancelCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var blockID, status, taskType, scheduledDate string
	var overdue bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
					FarmID:        e.Config.Farm.ID,
					BlockID:       blockID,
					Status:        domain.TaskStatus(status),
					Type:          domain.TaskType(taskType),
					OverdueOnly:   overdue,
					ScheduledDate: scheduledDate,
					Limit:         limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Block", "Type", "Title", "Status", "Due", "Overdue"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.BlockID, t.Type, t.Title, t.Status, t.ScheduledDate, t.Overdue})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&blockID, "block", "", "filter by block id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&taskType, "type", "", "filter by type")
	cmd.Flags().StringVar(&scheduledDate, "date", "", "filter by scheduled date YYYY-MM-DD")
	cmd.Flags().BoolVar(&overdue, "overdue", false, "overdue only")
	cmd.Flags().IntVar(&limit, "limit", 100, "max results")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CompleteTask(ctx, args[0], domain.Actor{ID: viper.GetString("actor-id")})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskCancelCmd() *cobra.Command {
	var manager bool
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending task (manager only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := domain.Actor{ID: viper.GetString("actor-id"), Manager: manager}
				if !actor.Manager {
					isMgr, err := e.Auth.IsManager(ctx, e.Config.Farm.ID, actor.ID)
					if err != nil {
						return err
					}
					actor.Manager = isMgr
				}
				t, err := e.CancelTask(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().BoolVar(&manager, "manager", false, "assert manager capability without a role lookup")
	return cmd
}

func overdueCmd() *cobra.Command {
	overdue := &cobra.Command{Use: "overdue", Short: "Overdue task maintenance"}
	overdue.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Flag pending tasks scheduled before today",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.SweepOverdue(ctx, e.Config.Farm.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"farm_id": e.Config.Farm.ID, "flagged": n})
			})
		},
	})
	return overdue
}

func scanCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run the overdue/harvest scanner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s := engine.NewScanner(e, time.Duration(e.Config.Scanner.IntervalMinutes)*time.Minute)
				if once {
					return s.Pass(ctx)
				}
				err := s.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Farm.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func roleCmd() *cobra.Command {
	role := &cobra.Command{Use: "role", Short: "Manage farm roles"}
	role.AddCommand(roleGrantCmd())
	role.AddCommand(roleRevokeCmd())
	return role
}

func roleGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a farm role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			if role != repo.RoleOperator && role != repo.RoleManager {
				return fmt.Errorf("role must be %s or %s", repo.RoleOperator, repo.RoleManager)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Auth.EnsureActor(ctx, tx, target, ""); err != nil {
					return err
				}
				if err := e.Repo.AssignFarmRole(ctx, tx, e.Config.Farm.ID, target, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role (operator or manager)")
	return cmd
}

func roleRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a farm role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.RevokeFarmRole(ctx, tx, e.Config.Farm.ID, target, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name, raw string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the raw key once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			if raw == "" {
				raw = repo.HashAPIKey(fmt.Sprintf("%s-%d", actorID, time.Now().UnixNano()))
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key := domain.APIKey{
					ID:        fmt.Sprintf("key-%d", time.Now().UnixNano()),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      raw,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringVar(&raw, "key", "", "raw key value (random if omitted)")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScanner bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			_, cfg, err := app.ResolveFarmAndConfig(cmd.Context(), viper.GetString("farm"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("FIELDLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("FIELDLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if !noScanner {
				scanner := engine.NewScanner(e, time.Duration(cfg.Scanner.IntervalMinutes)*time.Minute)
				go scanner.Run(ctx)
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Fieldline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noScanner, "no-scanner", false, "disable the background scanner")
	return cmd
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
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveFarmAndConfig(ctx, viper.GetString("farm"), viper.GetString("actor-id"), r)
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
