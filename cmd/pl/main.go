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

	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/delegate"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/export"
	"planline/internal/loader"
	"planline/internal/migrate"
	"planline/internal/repo"
	"planline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Planline CLI",
	Long: `Planline turns a feature list and a staff roster into a costed, assigned
delivery plan, then lets you negotiate it to feasible.
- Workspace: your .planline directory holding the database; config lives in planline.yml.
- Analysis: features + roster + budget go in, an estimated and assigned plan comes out.
- Verdict: every plan is graded feasible, over_budget, over_capacity, or both,
  with the exact minimum adjustment per lever.
- Revisions: adjust the budget, move the deadline, cut features, or reassign
  tasks; each revision replans and regrades in the same turn.
- Confirm: locks the session; a confirmed plan never changes.
- Event log: diary of every commit and rejection, view with 'pl log tail'.`,
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
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(reviseCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func analyzeCmd() *cobra.Command {
	var (
		rosterPath      string
		budgetPath      string
		prdPath         string
		features        []string
		deadlineSprints int
		budgetCeiling   float64
		sessionID       string
	)
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze features into a costed, assigned plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(features) == 0 {
				return fmt.Errorf("at least one --feature required")
			}
			return withDelegateEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, diags, err := buildSnapshot(e, rosterPath, budgetPath, prdPath, features, deadlineSprints)
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("budget-ceiling") {
					snap.BudgetCeiling = budgetCeiling
				}
				s, err := e.Analyze(ctx, engine.AnalyzeOptions{
					SessionID:   sessionID,
					Snapshot:    snap,
					Diagnostics: diags,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Session %s (%s)\n", s.ID, s.Status)
				printPlanTable(*s.Plan)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&rosterPath, "roster", "", "staff roster CSV")
	cmd.Flags().StringVar(&budgetPath, "budget", "", "budget CSV")
	cmd.Flags().StringVar(&prdPath, "prd", "", "PRD text file (optional context)")
	cmd.Flags().StringArrayVar(&features, "feature", []string{}, "feature as 'Name' or 'Name:P0' (repeatable)")
	cmd.Flags().IntVar(&deadlineSprints, "deadline-sprints", 0, "deadline in sprints")
	cmd.Flags().Float64Var(&budgetCeiling, "budget-ceiling", 0, "budget ceiling (overrides budget CSV total)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (optional, UUID if omitted)")
	_ = cmd.MarkFlagRequired("roster")
	_ = cmd.MarkFlagRequired("deadline-sprints")
	return cmd
}

func buildSnapshot(e engine.Engine, rosterPath, budgetPath, prdPath string, rawFeatures []string, deadlineSprints int) (domain.Snapshot, []string, error) {
	rosterFile, err := os.Open(rosterPath)
	if err != nil {
		return domain.Snapshot{}, nil, err
	}
	defer rosterFile.Close()
	staff, diags, err := loader.LoadRoster(rosterFile, e.Config.Planning.DefaultCapacityHours)
	if err != nil {
		return domain.Snapshot{}, nil, err
	}

	var budget loader.Budget
	if budgetPath != "" {
		budgetFile, err := os.Open(budgetPath)
		if err != nil {
			return domain.Snapshot{}, nil, err
		}
		defer budgetFile.Close()
		var budgetDiags []string
		budget, budgetDiags, err = loader.LoadBudget(budgetFile)
		if err != nil {
			return domain.Snapshot{}, nil, err
		}
		diags = append(diags, budgetDiags...)
	}

	prdText := ""
	if prdPath != "" {
		data, err := os.ReadFile(prdPath)
		if err != nil {
			return domain.Snapshot{}, nil, err
		}
		prdText = string(data)
	}

	features := make([]domain.Feature, 0, len(rawFeatures))
	for _, raw := range rawFeatures {
		name, priority := raw, ""
		if idx := strings.LastIndex(raw, ":"); idx > 0 {
			if p := strings.ToUpper(strings.TrimSpace(raw[idx+1:])); p == "P0" || p == "P1" || p == "P2" {
				name, priority = raw[:idx], p
			}
		}
		features = append(features, domain.Feature{Name: strings.TrimSpace(name), Priority: priority})
	}

	return domain.Snapshot{
		PRDText:         prdText,
		Features:        features,
		Staff:           staff,
		LineItems:       budget.LineItems,
		BudgetCeiling:   budget.Ceiling,
		DeadlineSprints: deadlineSprints,
	}, diags, nil
}

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <session-id> <message...>",
		Short: "Send a revision message to a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := args[0]
			message := strings.Join(args[1:], " ")
			return withDelegateEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Chat(ctx, sessionID, message)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("[%s/%s] %s\n", res.Intent, res.Action, res.Response)
				if res.Plan != nil {
					printPlanTable(*res.Plan)
				}
				return nil
			})
		},
	}
	return cmd
}

func reviseCmd() *cobra.Command {
	var (
		intent      string
		budget      float64
		deadline    int
		cutFeatures []string
		assignments []string
	)
	cmd := &cobra.Command{
		Use:   "revise <session-id>",
		Short: "Apply a structured revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !domain.KnownIntent(intent) {
				return fmt.Errorf("unknown intent %q", intent)
			}
			if intent == domain.IntentGeneralQuery {
				return fmt.Errorf("general_query needs a message, use 'pl chat'")
			}
			instr := domain.Instruction{Intent: intent}
			if cmd.Flags().Changed("budget") {
				instr.Params.Budget = &budget
			}
			if cmd.Flags().Changed("deadline-sprints") {
				instr.Params.DeadlineSprints = &deadline
			}
			instr.Params.Features = cutFeatures
			if len(assignments) > 0 {
				instr.Params.Assignments = map[string]string{}
				for _, a := range assignments {
					parts := strings.SplitN(a, "=", 2)
					if len(parts) != 2 {
						return fmt.Errorf("invalid --assign %q, want TASK-001=Name", a)
					}
					instr.Params.Assignments[parts[0]] = parts[1]
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Revise(ctx, args[0], instr)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("[%s/%s] %s\n", res.Intent, res.Action, res.Response)
				if res.Plan != nil {
					printPlanTable(*res.Plan)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&intent, "intent", "", "intent (adjust_budget, adjust_deadline, cut_features, reassign_task, review, confirm)")
	cmd.Flags().Float64Var(&budget, "budget", 0, "budget ceiling target")
	cmd.Flags().IntVar(&deadline, "deadline-sprints", 0, "deadline target in sprints")
	cmd.Flags().StringArrayVar(&cutFeatures, "cut", []string{}, "feature to cut (repeatable)")
	cmd.Flags().StringArrayVar(&assignments, "assign", []string{}, "assignment as TASK-001=Name (repeatable)")
	_ = cmd.MarkFlagRequired("intent")
	return cmd
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "session",
		Short: "Manage sessions",
		Long:  "Sessions hold a snapshot of the inputs plus the latest committed plan. Drafting sessions accept revisions; confirmed ones are locked.",
	}
	s.AddCommand(sessionListCmd())
	s.AddCommand(sessionShowCmd())
	s.AddCommand(sessionConfirmCmd())
	return s
}

func sessionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSessions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Verdict", "Tasks", "Total Cost", "Updated"})
				for _, s := range items {
					verdict, tasks, cost := "", 0, 0.0
					if s.Plan != nil {
						verdict = s.Plan.Verdict
						tasks = len(s.Plan.Tasks)
						cost = s.Plan.TotalCost
					}
					tw.AppendRow(table.Row{s.ID, s.Status, verdict, tasks, fmt.Sprintf("$%.0f", cost), s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func sessionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(s)
			})
		},
	}
	return cmd
}

func sessionConfirmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm <id>",
		Short: "Confirm and lock a session's plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Confirm(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Println(res.Response)
				return nil
			})
		},
	}
	return cmd
}

func planCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "plan",
		Short: "Inspect and export plans",
	}
	p.AddCommand(planShowCmd())
	p.AddCommand(planReportCmd())
	p.AddCommand(planExportJiraCmd())
	return p
}

func planShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show the committed plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				if s.Plan == nil {
					return fmt.Errorf("session %s has no committed plan", s.ID)
				}
				if viper.GetBool("json") {
					return printJSON(s.Plan)
				}
				printPlanTable(*s.Plan)
				return nil
			})
		},
	}
	return cmd
}

func planReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <session-id>",
		Short: "Plan summary report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				rep, err := export.BuildReport(s, time.Now())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				printReport(rep)
				return nil
			})
		},
	}
	return cmd
}

func planExportJiraCmd() *cobra.Command {
	var projectKey, projectName, outPath string
	cmd := &cobra.Command{
		Use:   "export-jira <session-id>",
		Short: "Export the plan as issue-tracker inputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				out, err := export.BuildJiraInputs(s, projectKey, projectName, e.Config.Planning.SprintDays, time.Now())
				if err != nil {
					return err
				}
				if outPath != "" {
					data, err := json.MarshalIndent(out, "", "  ")
					if err != nil {
						return err
					}
					if err := os.WriteFile(outPath, append(data, '\n'), 0o644); err != nil {
						return err
					}
					fmt.Printf("Wrote %d sprints to %s\n", len(out.Sprints), outPath)
					return nil
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().StringVar(&projectKey, "project-key", "PLAN", "issue tracker project key")
	cmd.Flags().StringVar(&projectName, "project-name", "Delivery Plan", "issue tracker project name")
	cmd.Flags().StringVar(&outPath, "out", "", "write JSON to file instead of stdout")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook (planline.yml): capacity ceilings, sprint sizing, and the delegate model used for task synthesis.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrIndent(cfg)
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write default planline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			data, err := config.Default().ToYAML()
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
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

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: plan commits, applied revisions, and rejections.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var sessionID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, sessionID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Session", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.TS, evt.Type, evt.SessionID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDelegateEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Planline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return open(ctx, false, fn)
}

func withDelegateEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return open(ctx, true, fn)
}

func open(ctx context.Context, needDelegate bool, fn func(context.Context, engine.Engine) error) error {
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
	var d delegate.Delegate
	if needDelegate {
		d, err = delegate.NewGemini(cfg.APIKey(), cfg.Delegate.Model, time.Duration(cfg.Delegate.TimeoutSeconds)*time.Second)
		if err != nil {
			return fmt.Errorf("%w (set %s)", err, cfg.Delegate.APIKeyEnv)
		}
	}
	e := engine.New(conn, cfg, d)
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

func printJSONOrIndent(v any) error {
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

func printPlanTable(p domain.Plan) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Feature", "Title", "Assignee", "Hours", "Cost", "Sprint", "Risk"})
	for _, t := range p.Tasks {
		assignee := "-"
		if t.Assignee != nil {
			assignee = *t.Assignee
		}
		tw.AppendRow(table.Row{t.ID, t.Feature, t.Title, assignee, t.EstimatedHours, fmt.Sprintf("$%.0f", t.SalaryCost), t.Sprint, t.RiskLevel})
	}
	tw.Render()

	fmt.Printf("Verdict: %s | total $%.0f of $%.0f (remaining $%.0f) | horizon %d of %d sprints\n",
		p.Verdict, p.TotalCost, p.BudgetCeiling, p.RemainingBudget, p.HorizonSprints, p.DeadlineSprints)
	if len(p.Unassigned) > 0 {
		fmt.Println("Unassigned:", strings.Join(p.Unassigned, ", "))
	}
	for _, opt := range p.DeliveryOptions {
		line := fmt.Sprintf("  [%s] %s: %s", opt.Grade, opt.Option, opt.Description)
		if opt.Adjustment > 0 {
			line += " (" + strconv.FormatFloat(opt.Adjustment, 'f', -1, 64) + ")"
		}
		fmt.Println(line)
	}
	for _, d := range p.Diagnostics {
		fmt.Println("  note:", d)
	}
}

func printReport(rep export.Report) {
	fmt.Printf("Session %s (%s) | verdict %s\n", rep.SessionID, rep.Status, rep.Verdict)
	fmt.Printf("Cost: staffing $%.0f + fixed $%.0f = $%.0f of $%.0f (remaining $%.0f)\n",
		rep.StaffingCost, rep.FixedCost, rep.TotalCost, rep.BudgetCeiling, rep.RemainingBudget)
	fmt.Printf("Horizon: %d of %d sprints\n", rep.HorizonSprints, rep.DeadlineSprints)

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Name", "Role", "Hours", "Capacity", "Util%", "Cost"})
	for _, l := range rep.StaffLoads {
		tw.AppendRow(table.Row{l.Name, l.Role, l.Hours, l.Capacity, fmt.Sprintf("%.0f", l.Utilization), fmt.Sprintf("$%.0f", l.Cost)})
	}
	tw.Render()

	if len(rep.Unassigned) > 0 {
		fmt.Println("Unassigned:", strings.Join(rep.Unassigned, ", "))
	}
	for _, r := range rep.Recommendations {
		fmt.Println(" ", r)
	}
}
