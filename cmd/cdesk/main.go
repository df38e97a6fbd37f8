package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"casedesk/internal/app"
	"casedesk/internal/config"
	"casedesk/internal/db"
	"casedesk/internal/domain"
	"casedesk/internal/engine"
	"casedesk/internal/migrate"
	"casedesk/internal/repo"
	"casedesk/internal/scheduler"
	"casedesk/internal/server"
)

var logger = zerolog.Nop()

var rootCmd = &cobra.Command{
	Use:   "cdesk",
	Short: "casedesk CLI",
	Long: `casedesk routes claim cases to handlers and keeps their workload balanced.
Core concepts:
- Handlers: team members with a capacity (max concurrent cases), carrier and issue-type specialties and an availability switch.
- Rules: ordered by priority; the first active rule whose criteria match a case picks the strategy and may pin a role or a handler.
- Strategies: ROUND_ROBIN, LEAST_LOADED, SPECIALIZED (score based) and RANDOM. A full or unavailable handler is never picked.
- Assignments: the history of who held a case. A case has at most one ACTIVE assignment.
- Balancer: moves the oldest cases from overloaded handlers to underloaded ones.
- Event log: every change, view with 'cdesk log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		if err := loadDotEnv(workspace); err != nil {
			return err
		}
		return setupLogger(viper.GetString("log-level"))
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CASEDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Int64("actor-id", 0, "handler id of the operator making the change")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(handlerCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(autoAssignCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(reassignCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(workloadCmd())
	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Workspace config (casedesk.yml)",
		Long:  "casedesk.yml holds the default strategy, balancer thresholds, the Kafka event relay and server settings. Missing keys fall back to defaults.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default casedesk.yml",
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
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate casedesk.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.LoadOptional(viper.GetString("workspace"))
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
}

// --- handlers ---

func handlerCmd() *cobra.Command {
	h := &cobra.Command{Use: "handler", Short: "Manage the team directory"}
	h.AddCommand(handlerAddCmd())
	h.AddCommand(handlerListCmd())
	h.AddCommand(handlerUpdateCmd())
	return h
}

func handlerAddCmd() *cobra.Command {
	var h domain.Handler
	var unavailable bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a handler",
		RunE: func(cmd *cobra.Command, args []string) error {
			h.IsActive = true
			h.IsAvailable = !unavailable
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateHandler(ctx, h, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&h.Name, "name", "", "display name")
	cmd.Flags().StringVar(&h.Email, "email", "", "email")
	cmd.Flags().StringVar(&h.Role, "role", "agent", "role used by rules that pin a role")
	cmd.Flags().IntVar(&h.MaxConcurrentCases, "capacity", 10, "max concurrent cases")
	cmd.Flags().StringSliceVar(&h.CarrierSpecialties, "carriers", nil, "carrier specialties")
	cmd.Flags().StringSliceVar(&h.IssueTypeSpecialties, "issue-types", nil, "issue type specialties")
	cmd.Flags().Float64Var(&h.SuccessRate, "success-rate", 0, "historical success rate (0-100)")
	cmd.Flags().BoolVar(&unavailable, "unavailable", false, "create the handler as unavailable")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func handlerListCmd() *cobra.Command {
	var f repo.HandlerFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List handlers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListHandlers(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Load", "Active", "Available", "Specialties"})
				for _, h := range items {
					specs := append(append([]string{}, h.CarrierSpecialties...), h.IssueTypeSpecialties...)
					tw.AppendRow(table.Row{h.ID, h.Name, h.Role, fmt.Sprintf("%d/%d", h.CurrentCaseCount, h.MaxConcurrentCases), h.IsActive, h.IsAvailable, strings.Join(specs, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Role, "role", "", "role filter")
	cmd.Flags().BoolVar(&f.ActiveOnly, "active", false, "only active handlers")
	return cmd
}

func handlerUpdateCmd() *cobra.Command {
	var (
		name, email, role    string
		active, available    bool
		capacity             int
		carriers, issueTypes []string
		successRate          float64
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a handler's profile, availability or capacity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var upd engine.HandlerUpdate
			flags := cmd.Flags()
			if flags.Changed("name") {
				upd.Name = &name
			}
			if flags.Changed("email") {
				upd.Email = &email
			}
			if flags.Changed("role") {
				upd.Role = &role
			}
			if flags.Changed("active") {
				upd.IsActive = &active
			}
			if flags.Changed("available") {
				upd.IsAvailable = &available
			}
			if flags.Changed("capacity") {
				upd.MaxConcurrentCases = &capacity
			}
			if flags.Changed("carriers") {
				upd.CarrierSpecialties = &carriers
			}
			if flags.Changed("issue-types") {
				upd.IssueTypeSpecialties = &issueTypes
			}
			if flags.Changed("success-rate") {
				upd.SuccessRate = &successRate
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				h, err := e.UpdateHandler(ctx, id, upd, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(h)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&role, "role", "", "role")
	cmd.Flags().BoolVar(&active, "active", true, "active on the team")
	cmd.Flags().BoolVar(&available, "available", true, "accepting new cases")
	cmd.Flags().IntVar(&capacity, "capacity", 0, "max concurrent cases")
	cmd.Flags().StringSliceVar(&carriers, "carriers", nil, "carrier specialties")
	cmd.Flags().StringSliceVar(&issueTypes, "issue-types", nil, "issue type specialties")
	cmd.Flags().Float64Var(&successRate, "success-rate", 0, "historical success rate (0-100)")
	return cmd
}

// --- rules ---

func ruleCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "rule",
		Short: "Manage assignment rules",
		Long:  "Rules are evaluated by priority (highest first, then oldest). Unset criteria and the value ALL match every case.",
	}
	r.AddCommand(ruleAddCmd())
	r.AddCommand(ruleListCmd())
	r.AddCommand(ruleToggleCmd("enable", true))
	r.AddCommand(ruleToggleCmd("disable", false))
	return r
}

func ruleAddCmd() *cobra.Command {
	var (
		name, strategy                        string
		carrier, issueType, priorityLevel, to string
		priority                              int
		amountMin, amountMax                  float64
		handlerID                             int64
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			ru := domain.AssignmentRule{
				Name:          name,
				Priority:      priority,
				IsActive:      true,
				Strategy:      domain.StrategyKind(strings.ToUpper(strategy)),
				Carrier:       optionalString(carrier),
				IssueType:     optionalString(issueType),
				PriorityLevel: optionalString(priorityLevel),
				AssignToRole:  optionalString(to),
			}
			flags := cmd.Flags()
			if flags.Changed("amount-min") {
				ru.AmountMin = &amountMin
			}
			if flags.Changed("amount-max") {
				ru.AmountMax = &amountMax
			}
			if flags.Changed("handler") {
				ru.AssignToHandlerID = &handlerID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateRule(ctx, ru, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "rule name")
	cmd.Flags().IntVar(&priority, "priority", 0, "higher runs first")
	cmd.Flags().StringVar(&strategy, "strategy", string(domain.StrategyLeastLoaded), "ROUND_ROBIN, LEAST_LOADED, SPECIALIZED or RANDOM")
	cmd.Flags().StringVar(&carrier, "carrier", "", "carrier criterion")
	cmd.Flags().StringVar(&issueType, "issue-type", "", "issue type criterion")
	cmd.Flags().StringVar(&priorityLevel, "priority-level", "", "case priority criterion")
	cmd.Flags().Float64Var(&amountMin, "amount-min", 0, "minimum claimed amount (inclusive)")
	cmd.Flags().Float64Var(&amountMax, "amount-max", 0, "maximum claimed amount (inclusive)")
	cmd.Flags().StringVar(&to, "role", "", "restrict candidates to a role")
	cmd.Flags().Int64Var(&handlerID, "handler", 0, "restrict candidates to one handler")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func ruleListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListRules(ctx, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Priority", "Active", "Strategy", "Criteria", "Target", "Used"})
				for _, ru := range items {
					tw.AppendRow(table.Row{ru.ID, ru.Name, ru.Priority, ru.IsActive, ru.Strategy, ruleCriteria(ru), ruleTarget(ru), ru.AssignmentCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active rules")
	return cmd
}

func ruleToggleCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ru, err := e.SetRuleActive(ctx, id, active, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(ru)
			})
		},
	}
}

// --- cases ---

func caseCmd() *cobra.Command {
	c := &cobra.Command{Use: "case", Short: "Local case store"}
	c.AddCommand(caseAddCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseShowCmd())
	return c
}

func caseAddCmd() *cobra.Command {
	var c domain.Case
	var autoAssign bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.CreateCase(ctx, c, actorID())
				if err != nil {
					return err
				}
				if autoAssign {
					if _, err := e.AutoAssign(ctx, created.ID); err != nil {
						return err
					}
					if created, err = e.Repo.GetCase(ctx, nil, created.ID); err != nil {
						return err
					}
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&c.Reference, "reference", "", "external reference")
	cmd.Flags().StringVar(&c.Carrier, "carrier", "", "carrier")
	cmd.Flags().StringVar(&c.IssueType, "issue-type", "", "issue type")
	cmd.Flags().StringVar(&c.Priority, "priority", "", "priority level")
	cmd.Flags().Float64Var(&c.ClaimedAmount, "amount", 0, "claimed amount")
	cmd.Flags().BoolVar(&autoAssign, "auto-assign", false, "run auto-assignment right away")
	_ = cmd.MarkFlagRequired("carrier")
	return cmd
}

func caseListCmd() *cobra.Command {
	var f repo.CaseFilters
	var assignedTo int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("assigned-to") {
				f.AssignedTo = &assignedTo
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCases(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Carrier", "Issue", "Priority", "Amount", "Assignee", "Manual"})
				for _, c := range items {
					assignee := ""
					if c.AssignedTo != nil {
						assignee = strconv.FormatInt(*c.AssignedTo, 10)
					}
					tw.AppendRow(table.Row{c.ID, c.Carrier, c.IssueType, c.Priority, fmt.Sprintf("%.2f", c.ClaimedAmount), assignee, c.NeedsManualAssignment})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&assignedTo, "assigned-to", 0, "handler id")
	cmd.Flags().BoolVar(&f.NeedsManual, "needs-manual", false, "only cases flagged for manual assignment")
	cmd.Flags().BoolVar(&f.Unassigned, "unassigned", false, "only cases without a handler")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func caseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a case and its assignment history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCase(ctx, nil, id)
				if err != nil {
					return fmt.Errorf("case %d: %w", id, err)
				}
				history, err := e.Repo.ListAssignments(ctx, repo.AssignmentFilters{CaseID: &id})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"case": c, "assignments": history})
			})
		},
	}
}

// --- assignment ledger ---

func autoAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auto-assign <case-id>",
		Short: "Pick a handler through rules and strategies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caseID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				handlerID, err := e.AutoAssign(ctx, caseID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"case_id": caseID, "handler_id": handlerID, "needs_manual_assignment": handlerID == nil})
			})
		},
	}
}

func assignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <case-id> <handler-id>",
		Short: "Assign a case to a handler",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			caseID, handlerID, err := parseIDPair(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.ManualAssign(ctx, caseID, handlerID, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func reassignCmd() *cobra.Command {
	var expected int64
	cmd := &cobra.Command{
		Use:   "reassign <case-id> <handler-id>",
		Short: "Move a case to another handler",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			caseID, handlerID, err := parseIDPair(args)
			if err != nil {
				return err
			}
			var expectedID *int64
			if cmd.Flags().Changed("expected-assignment") {
				expectedID = &expected
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tr, err := e.Reassign(ctx, caseID, handlerID, expectedID, actorID())
				if errors.Is(err, engine.ErrAssignmentConflict) {
					return fmt.Errorf("%w; run 'cdesk case show %d' and retry", err, caseID)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(tr)
			})
		},
	}
	cmd.Flags().Int64Var(&expected, "expected-assignment", 0, "fail unless this is still the case's active assignment id")
	return cmd
}

func completeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <case-id>",
		Short: "Complete the case's active assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caseID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				done, err := e.CompleteAssignment(ctx, caseID)
				if err != nil {
					return err
				}
				if !viper.GetBool("json") && !done {
					fmt.Printf("case %d has no active assignment\n", caseID)
					return nil
				}
				return printJSONOrTable(map[string]any{"case_id": caseID, "completed": done})
			})
		},
	}
}

// --- workload ---

func workloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workload",
		Short: "Show team utilization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.GetTeamWorkload(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Load", "Utilization", "Available", "Handled"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Name, fmt.Sprintf("%d/%d", w.CurrentCaseCount, w.MaxConcurrentCases), fmt.Sprintf("%.0f%%", w.Utilization), w.IsAvailable, w.TotalCasesHandled})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Move cases from overloaded to underloaded handlers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.BalanceWorkload(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("rebalanced %d case(s), skipped %d\n", res.RebalancedCount, res.Skipped)
				for _, m := range res.Moves {
					fmt.Printf("  case %d: handler %d -> %d\n", m.CaseID, m.From, m.To)
				}
				return nil
			})
		},
	}
}

func doctorCmd() *cobra.Command {
	var fix bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the schema version and compare load counters with ACTIVE assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				schema, err := migrate.Status(ctx, e.DB)
				if err != nil {
					return err
				}
				var drift []domain.LoadDrift
				if fix {
					drift, err = e.RecountLoads(ctx)
				} else {
					drift, err = e.Repo.LoadDrift(ctx, nil)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"schema": schema, "drift": drift, "fixed": fix && len(drift) > 0})
				}
				fmt.Printf("schema version %d (latest %d)\n", schema.Current, schema.Latest)
				if len(drift) == 0 {
					fmt.Println("load counters OK")
					return nil
				}
				for _, d := range drift {
					fmt.Printf("handler %d: stored %d, derived %d\n", d.HandlerID, d.Stored, d.Derived)
				}
				if fix {
					fmt.Println("counters recomputed")
				} else {
					fmt.Println("run with --fix to recompute")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "recompute counters from ACTIVE assignments")
	return cmd
}

// --- events ---

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every assignment, reassignment, completion, rule and directory change is recorded here.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

// --- server ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var insecure, legacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server with the balancer and event relay loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.Open(ctx, viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer a.Close()

			authCfg := server.AuthConfig{JWTSecret: jwtSecret(cmd), AllowLegacyActorHeader: legacyHeader}
			if authCfg.JWTSecret == "" && !insecure {
				return fmt.Errorf("CASEDESK_JWT_SECRET is required for bearer auth (or pass --insecure)")
			}
			if !cmd.Flags().Changed("addr") && a.Config.Server.Addr != "" {
				addr = a.Config.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && a.Config.Server.BasePath != "" {
				basePath = a.Config.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:         a.Engine,
				BasePath:       basePath,
				Auth:           authCfg,
				AllowedOrigins: a.Config.Server.AllowedOrigins,
				Logger:         logger.With().Str("component", "http").Logger(),
			})
			if err != nil {
				return err
			}
			loops, err := a.Loops()
			if err != nil {
				return err
			}
			wait := scheduler.Group(ctx, loops...)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info().Str("addr", addr).Str("base_path", basePath).Int("loops", len(loops)).Msg("serving casedesk API (OpenAPI at /openapi.json, Swagger UI at /docs)")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				stop()
				wait()
				return err
			}
			wait()
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "serve without requiring bearer tokens")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "accept X-Actor-Id without a token")
	return cmd
}

func tokenCmd() *cobra.Command {
	var actor int64
	var ttl time.Duration
	var save bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.IssueToken(jwtSecret(cmd), actor, ttl)
			if err != nil {
				return err
			}
			if save {
				path := filepath.Join(viper.GetString("workspace"), ".env")
				if err := setEnvValue(path, "CASEDESK_TOKEN", token); err != nil {
					return err
				}
				logger.Info().Str("path", path).Msg("token saved")
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().Int64Var(&actor, "actor", 0, "actor id (token subject)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 never expires")
	cmd.Flags().BoolVar(&save, "save", false, "store the token as CASEDESK_TOKEN in the workspace .env")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"), logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func setupLogger(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger()
	return nil
}

// loadDotEnv reads <workspace>/.env without overriding variables already set.
func loadDotEnv(workspace string) error {
	path := filepath.Join(workspace, ".env")
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func setEnvValue(path, key, value string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		env = map[string]string{}
	}
	env[key] = value
	return godotenv.Write(env, path)
}

// jwtSecret prefers --jwt-secret over CASEDESK_JWT_SECRET.
func jwtSecret(cmd *cobra.Command) string {
	if f := cmd.Flags().Lookup("jwt-secret"); f != nil && f.Changed {
		return f.Value.String()
	}
	return viper.GetString("jwt-secret")
}

func actorID() *int64 {
	id := viper.GetInt64("actor-id")
	if id <= 0 {
		return nil
	}
	return &id
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func parseIDPair(args []string) (int64, int64, error) {
	a, err := parseID(args[0])
	if err != nil {
		return 0, 0, err
	}
	b, err := parseID(args[1])
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func ruleCriteria(ru domain.AssignmentRule) string {
	var parts []string
	add := func(k string, v *string) {
		if v != nil {
			parts = append(parts, k+"="+*v)
		}
	}
	add("carrier", ru.Carrier)
	add("issue", ru.IssueType)
	add("priority", ru.PriorityLevel)
	if ru.AmountMin != nil || ru.AmountMax != nil {
		lo, hi := "-inf", "+inf"
		if ru.AmountMin != nil {
			lo = strconv.FormatFloat(*ru.AmountMin, 'f', -1, 64)
		}
		if ru.AmountMax != nil {
			hi = strconv.FormatFloat(*ru.AmountMax, 'f', -1, 64)
		}
		parts = append(parts, fmt.Sprintf("amount=[%s,%s]", lo, hi))
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, " ")
}

func ruleTarget(ru domain.AssignmentRule) string {
	switch {
	case ru.AssignToHandlerID != nil:
		return "handler " + strconv.FormatInt(*ru.AssignToHandlerID, 10)
	case ru.AssignToRole != nil:
		return "role " + *ru.AssignToRole
	default:
		return ""
	}
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

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
