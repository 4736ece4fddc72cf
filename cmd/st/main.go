package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"statetrail/internal/cache"
	"statetrail/internal/config"
	"statetrail/internal/db"
	"statetrail/internal/domain"
	"statetrail/internal/extension"
	"statetrail/internal/fsm"
	"statetrail/internal/migrate"
	"statetrail/internal/registry"
	"statetrail/internal/repo"
	"statetrail/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "st",
	Short: "Statetrail CLI",
	Long: `Statetrail keeps an append-only state log for your entities.
Every transition is an immutable record; the newest record is the current
state. Records carry UUIDv7 ids, so ordering and timestamps come for free
and time windows are plain id range scans.`,
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
	viper.SetEnvPrefix("STATETRAIL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Int64("actor", 0, "acting user id recorded on transitions")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(currentCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(transitionsCmd())
	rootCmd.AddCommand(statesCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(warmCmd())
	rootCmd.AddCommand(seedCmd())
}

type env struct {
	cfg         *config.Config
	repo        repo.Repo
	registry    *registry.Registry
	transitions *fsm.Transitions
	manager     fsm.StateManager
}

// buildEnv wires storage, registries, extensions and the manager the same
// way the server does.
func buildEnv(ctx context.Context, workspace string) (env, func(), error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return env{}, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return env{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return env{}, nil, err
	}
	reg := registry.Default()
	registry.RegisterCore(reg)
	tr := fsm.DefaultTransitions()
	fsm.RegisterCoreTransitions(tr)
	r := repo.Repo{DB: conn}
	c := cache.New(cfg.Cache.Size, time.Duration(cfg.Cache.TTLSeconds)*time.Second)
	var mgr fsm.StateManager = fsm.NewManager(r, c, reg, tr)
	mgr, err = extension.Apply(cfg.Extensions, reg, tr, mgr)
	if err != nil {
		conn.Close()
		return env{}, nil, err
	}
	mgr, err = extension.ResolveManager(cfg.StateManager, mgr)
	if err != nil {
		conn.Close()
		return env{}, nil, err
	}
	e := env{cfg: cfg, repo: r, registry: reg, transitions: tr, manager: mgr}
	return e, func() { conn.Close() }, nil
}

func withEnv(ctx context.Context, fn func(context.Context, env) error) error {
	e, closeEnv, err := buildEnv(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer closeEnv()
	return fn(ctx, e)
}

func actorFlag() *int64 {
	if id := viper.GetInt64("actor"); id != 0 {
		return &id
	}
	return nil
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				if addr == "" {
					addr = e.cfg.Server.Listen
				}
				if basePath == "" {
					basePath = e.cfg.Server.BasePath
				}
				authCfg := server.AuthConfig{
					Disabled:  e.cfg.Auth.Disabled,
					JWTSecret: e.cfg.Auth.JWTSecret,
				}
				if secret := os.Getenv("STATETRAIL_JWT_SECRET"); secret != "" {
					authCfg.JWTSecret = secret
					authCfg.Disabled = false
				}
				handler, err := server.New(server.Config{
					Manager:     e.manager,
					Repo:        e.repo,
					Registry:    e.registry,
					Transitions: e.transitions,
					BasePath:    basePath,
					Auth:        authCfg,
				})
				if err != nil {
					return err
				}
				stopWebhooks := server.StartWebhookDispatcher(e.repo, e.cfg)
				defer stopWebhooks()
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Statetrail API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
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
			applied, err := migrate.Applied(conn)
			if err != nil {
				return err
			}
			fmt.Printf("%d migration(s) applied in %s\n", len(applied), db.Path(workspace))
			for _, m := range applied {
				fmt.Printf("  %04d %s\n", m.Version, m.Name)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default statetrail.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

func currentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "current <entity_type> <entity_id>",
		Short: "Current state of an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid entity id %q", args[1])
			}
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				state, err := e.manager.CurrentState(ctx, args[0], id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"entity_type": args[0],
					"entity_id":   id,
					"state":       state,
				})
			})
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int
	var withContext bool
	cmd := &cobra.Command{
		Use:   "history <entity_type> <entity_id>",
		Short: "State history of an entity, newest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid entity id %q", args[1])
			}
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				recs, err := e.manager.History(ctx, args[0], id, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				return renderRecordTable(recs, withContext)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum records")
	cmd.Flags().BoolVar(&withContext, "context", false, "include context data")
	return cmd
}

func transitionCmd() *cobra.Command {
	var reason, expect string
	cmd := &cobra.Command{
		Use:   "transition <entity_type> <entity_id> <new_state>",
		Short: "Append a state transition",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid entity id %q", args[1])
			}
			newState := strings.ToUpper(strings.TrimSpace(args[2]))
			if newState == "" {
				return fmt.Errorf("new state is required")
			}
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				entity, err := resolveEntity(ctx, e, args[0], id)
				if err != nil {
					return err
				}
				opts := fsm.Options{
					TriggeredBy: actorFlag(),
					Reason:      reason,
				}
				if cmd.Flags().Changed("expect") {
					opts.ExpectedPreviousState = &expect
				}
				rec, err := e.manager.TransitionState(ctx, entity, newState, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the transition")
	cmd.Flags().StringVar(&expect, "expect", "", "expected previous state (conditional write)")
	return cmd
}

func runCmd() *cobra.Command {
	var payloadJSON string
	cmd := &cobra.Command{
		Use:   "run <entity_type> <entity_id> <transition>",
		Short: "Execute a registered transition",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid entity id %q", args[1])
			}
			var payload map[string]any
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("invalid --payload: %w", err)
				}
			}
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				entity, err := resolveEntity(ctx, e, args[0], id)
				if err != nil {
					return err
				}
				rec, err := e.manager.ExecuteNamed(ctx, entity, args[2], payload, actorFlag())
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "transition payload as JSON")
	return cmd
}

func transitionsCmd() *cobra.Command {
	var entityID int64
	cmd := &cobra.Command{
		Use:   "transitions <entity_type>",
		Short: "List registered transitions; with --id only those applicable now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				if cmd.Flags().Changed("id") {
					entity, err := resolveEntity(ctx, e, args[0], entityID)
					if err != nil {
						return err
					}
					names, err := e.manager.AvailableTransitions(ctx, entity)
					if err != nil {
						return err
					}
					return printJSONOrTable(names)
				}
				return printJSONOrTable(e.transitions.Names(args[0]))
			})
		},
	}
	cmd.Flags().Int64Var(&entityID, "id", 0, "entity id to check applicability against")
	return cmd
}

func statesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "states [entity_type]",
		Short: "Show registered state vocabularies",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				names := e.registry.Names()
				if len(args) == 1 {
					names = []string{args[0]}
				}
				if viper.GetBool("json") {
					out := map[string]any{}
					for _, name := range names {
						st, ok := e.registry.Get(name)
						if !ok {
							return fmt.Errorf("unknown entity type %q", name)
						}
						out[name] = st.Choices.ValueList()
					}
					return printJSON(out)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ENTITY", "STATE", "LABEL", "INITIAL"})
				for _, name := range names {
					st, ok := e.registry.Get(name)
					if !ok {
						return fmt.Errorf("unknown entity type %q", name)
					}
					for _, c := range st.Choices.Values {
						initial := ""
						if c.Value == st.Choices.Initial {
							initial = "yes"
						}
						t.AppendRow(table.Row{name, c.Value, c.Label, initial})
					}
				}
				t.Render()
				return nil
			})
		},
	}
}

func statsCmd() *cobra.Command {
	var startStr, endStr string
	cmd := &cobra.Command{
		Use:   "stats <entity_type>",
		Short: "Record counts per state in a time window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			end := time.Now()
			start := end.Add(-24 * time.Hour)
			var err error
			if startStr != "" {
				if start, err = time.Parse(time.RFC3339, startStr); err != nil {
					return fmt.Errorf("invalid --start: %w", err)
				}
			}
			if endStr != "" {
				if end, err = time.Parse(time.RFC3339, endStr); err != nil {
					return fmt.Errorf("invalid --end: %w", err)
				}
			}
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				counts, err := e.manager.CountByState(ctx, args[0], start, end)
				if err != nil {
					return err
				}
				return printJSONOrTable(counts)
			})
		},
	}
	cmd.Flags().StringVar(&startStr, "start", "", "window start (RFC 3339, default 24h ago)")
	cmd.Flags().StringVar(&endStr, "end", "", "window end (RFC 3339, default now)")
	return cmd
}

func warmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "warm <entity_type> <id>...",
		Short: "Prime the current-state cache for a batch of entities",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args)-1)
			for _, raw := range args[1:] {
				id, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid entity id %q", raw)
				}
				ids = append(ids, id)
			}
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				n, err := e.manager.WarmCache(ctx, args[0], ids)
				if err != nil {
					return err
				}
				fmt.Printf("warmed %d of %d entities\n", n, len(ids))
				return nil
			})
		},
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create demo data in the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				now := time.Now().UTC().Format(time.RFC3339)
				user, err := e.repo.InsertUser(ctx, domain.User{Email: "demo@example.com", FirstName: "Demo", CreatedAt: now})
				if err != nil {
					return err
				}
				project, err := e.repo.InsertProject(ctx, domain.Project{Title: "Demo Project", CreatedBy: &user.ID, CreatedAt: now})
				if err != nil {
					return err
				}
				if _, err := e.manager.TransitionState(ctx, project, "CREATED", fsm.Options{TriggeredBy: &user.ID}); err != nil {
					return err
				}
				for i := 0; i < 3; i++ {
					task, err := e.repo.InsertTask(ctx, domain.Task{ProjectID: project.ID, CreatedAt: now})
					if err != nil {
						return err
					}
					if _, err := e.manager.TransitionState(ctx, task, "CREATED", fsm.Options{TriggeredBy: &user.ID}); err != nil {
						return err
					}
				}
				fmt.Printf("seeded user %d, project %d with 3 tasks\n", user.ID, project.ID)
				return nil
			})
		},
	}
}

// resolveEntity mirrors the server's lookup: core types come from storage,
// anything else registered gets a bare reference.
func resolveEntity(ctx context.Context, e env, entityType string, id int64) (domain.Entity, error) {
	switch entityType {
	case "task":
		return e.repo.GetTask(ctx, id)
	case "project":
		return e.repo.GetProject(ctx, id)
	case "annotation":
		return e.repo.GetAnnotation(ctx, id)
	}
	if _, ok := e.registry.Get(entityType); !ok {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
	return bareEntity{typ: entityType, id: id}, nil
}

type bareEntity struct {
	typ string
	id  int64
}

func (b bareEntity) EntityName() string    { return b.typ }
func (b bareEntity) EntityID() int64       { return b.id }
func (b bareEntity) OrganizationID() int64 { return 0 }

func renderRecordTable(recs []domain.StateRecord, withContext bool) error {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	header := table.Row{"STATE", "PREVIOUS", "TRANSITION", "ACTOR", "CREATED"}
	if withContext {
		header = append(header, "CONTEXT")
	}
	t.AppendHeader(header)
	for _, rec := range recs {
		prev, name, actor := "", "", ""
		if rec.PreviousState != nil {
			prev = *rec.PreviousState
		}
		if rec.TransitionName != nil {
			name = *rec.TransitionName
		}
		if rec.TriggeredBy != nil {
			actor = strconv.FormatInt(*rec.TriggeredBy, 10)
		}
		row := table.Row{rec.State, prev, name, actor, rec.CreatedAt}
		if withContext {
			ctxJSON, _ := json.Marshal(rec.ContextData)
			row = append(row, string(ctxJSON))
		}
		t.AppendRow(row)
	}
	t.Render()
	return nil
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
