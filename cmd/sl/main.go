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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"siteline/internal/app"
	"siteline/internal/config"
	"siteline/internal/db"
	"siteline/internal/domain"
	"siteline/internal/engine"
	"siteline/internal/migrate"
	"siteline/internal/repo"
	"siteline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Siteline CLI",
	Long: `Siteline runs the lifecycle and escrow settlement for construction projects.
Core concepts:
- Workspace: your .siteline directory holding the database; per-project settlement configs live in the DB.
- Project: one job between an owner and a contractor, with a total contract amount held in escrow.
- Scope of work: the versioned description of what gets built; each version needs both parties' approval.
- Contract: the signed agreement; once both parties sign it, the payment schedule seeds the milestones and the project goes active.
- Milestones: ordered chunks of the work; they flow not_started -> in_progress -> pending_review -> approved (or needs_revision back to work).
- Payments: money released from escrow against approved milestones; every movement lands in the append-only escrow ledger.
- Change orders: scope/cost amendments; implementing one adjusts the contract total and the escrow balance together.
- Disputes: disagreements escalate internal -> mediation -> arbitration and never move money by themselves.
- Punch list: the small fixes that must be closed out before the project can complete.
- Event log: diary of changes, view with 'sl log tail'.`,
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
	viper.SetEnvPrefix("SITELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (optional when only one project exists)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(scopeCmd())
	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(paymentCmd())
	rootCmd.AddCommand(escrowCmd())
	rootCmd.AddCommand(changeOrderCmd())
	rootCmd.AddCommand(disputeCmd())
	rootCmd.AddCommand(punchCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectAwardCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectCompleteCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project in setup state",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
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
	cmd.Flags().StringVar(&opts.OwnerID, "owner", "", "owner id")
	cmd.Flags().StringVar(&opts.OwnerName, "owner-name", "", "owner display name")
	cmd.Flags().StringVar(&opts.ContractorID, "contractor", "", "contractor id")
	cmd.Flags().StringVar(&opts.ContractorName, "contractor-name", "", "contractor display name")
	cmd.Flags().StringVar(&opts.Title, "title", "", "project title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.StartDate, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.EndDate, "end", "", "end date (YYYY-MM-DD)")
	cmd.Flags().Int64Var(&opts.TotalAmount, "total", 0, "contract total in cents")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("contractor")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("total")
	return cmd
}

func projectAwardCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	var workBreakdown string
	var scheduleFlags []string
	var terms string
	cmd := &cobra.Command{
		Use:   "award",
		Short: "Award a project from an accepted bid",
		Long:  "Creates the project, its first scope version, an executed contract and the schedule milestones in one step. Schedule entries use Title=amountCents, e.g. --milestone 'Demolition=2500000'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			schedule, err := parseSchedule(scheduleFlags)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.AwardProject(ctx, engine.AwardOptions{
					Project: opts,
					Scope:   engine.ScopeCreateOptions{WorkBreakdown: workBreakdown},
					Contract: engine.ContractCreateOptions{
						Terms: terms,
					},
					Schedule: schedule,
					ActorID:  viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (optional)")
	cmd.Flags().StringVar(&opts.OwnerID, "owner", "", "owner id")
	cmd.Flags().StringVar(&opts.ContractorID, "contractor", "", "contractor id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "project title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.StartDate, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.EndDate, "end", "", "end date (YYYY-MM-DD)")
	cmd.Flags().Int64Var(&opts.TotalAmount, "total", 0, "contract total in cents")
	cmd.Flags().StringVar(&workBreakdown, "work-breakdown", "", "scope work breakdown")
	cmd.Flags().StringVar(&terms, "terms", "", "contract terms")
	cmd.Flags().StringArrayVar(&scheduleFlags, "milestone", []string{}, "payment schedule entry Title=amountCents (repeatable)")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("contractor")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("total")
	return cmd
}

func projectListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var items []domain.Project
				var err error
				if userID != "" {
					items, err = r.ListUserProjects(ctx, userID)
				} else {
					items, err = r.ListProjects(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Total", "Paid", "Escrow", "Done %"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Title, p.Status, cents(p.TotalAmount), cents(p.PaidAmount), cents(p.EscrowBalance), p.CompletionPercentage})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "filter to projects where the user is owner or contractor")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Complete a project",
		Long:  "Requires every milestone approved, no open punch list items and no open disputes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				p, err := e.CompleteProject(ctx, projectID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project settlement config",
	}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	cfg.AddCommand(projectConfigInitCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the project config stored in the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	return cmd
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetProject(ctx, cfg.Project.ID); err != nil {
					return err
				}
				if err := r.UpsertProjectConfig(ctx, cfg.Project.ID, cfg); err != nil {
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

func projectConfigInitCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Print a default config YAML for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				return fmt.Errorf("--id required")
			}
			fmt.Print(config.GenerateDefault(projectID))
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "id", "", "project id")
	return cmd
}

func scopeCmd() *cobra.Command {
	scope := &cobra.Command{
		Use:   "scope",
		Short: "Manage scope of work versions",
		Long:  "Each scope change adds a new version; both owner and contractor must approve a version before it governs.",
	}
	scope.AddCommand(scopeCreateCmd())
	scope.AddCommand(scopeListCmd())
	scope.AddCommand(scopeApproveCmd())
	return scope
}

func scopeCreateCmd() *cobra.Command {
	var opts engine.ScopeCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new scope version",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				opts.ProjectID = projectID
				s, err := e.CreateScopeOfWork(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.WorkBreakdown, "work-breakdown", "", "work breakdown")
	cmd.Flags().StringVar(&opts.Materials, "materials", "", "materials")
	cmd.Flags().StringVar(&opts.Requirements, "requirements", "", "requirements")
	cmd.Flags().StringVar(&opts.Exclusions, "exclusions", "", "exclusions")
	_ = cmd.MarkFlagRequired("work-breakdown")
	return cmd
}

func scopeListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scope versions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.Repo.ListScopes(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Version", "Owner OK", "Contractor OK", "Created"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Version, s.OwnerApproved, s.ContractorApproved, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func scopeApproveCmd() *cobra.Command {
	var party string
	cmd := &cobra.Command{
		Use:   "approve <scope-id>",
		Short: "Approve a scope version as owner or contractor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ApproveScope(ctx, args[0], party, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&party, "party", "", "owner or contractor")
	_ = cmd.MarkFlagRequired("party")
	return cmd
}

func contractCmd() *cobra.Command {
	contract := &cobra.Command{
		Use:   "contract",
		Short: "Manage the project contract",
	}
	contract.AddCommand(contractCreateCmd())
	contract.AddCommand(contractShowCmd())
	contract.AddCommand(contractSignCmd())
	return contract
}

func contractCreateCmd() *cobra.Command {
	var opts engine.ContractCreateOptions
	var scheduleFlags []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create the project contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			schedule, err := parseSchedule(scheduleFlags)
			if err != nil {
				return err
			}
			opts.Schedule = schedule
			opts.ActorID = viper.GetString("actor-id")
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				opts.ProjectID = projectID
				c, err := e.CreateContract(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ContractType, "type", "fixed_price", "contract type (fixed_price, time_and_materials, cost_plus)")
	cmd.Flags().StringVar(&opts.Terms, "terms", "", "contract terms")
	cmd.Flags().StringVar(&opts.WarrantyTerms, "warranty", "", "warranty terms")
	cmd.Flags().StringVar(&opts.DisputeResolution, "dispute-resolution", "", "dispute resolution clause")
	cmd.Flags().StringVar(&opts.InsuranceRequirements, "insurance", "", "insurance requirements")
	cmd.Flags().StringArrayVar(&scheduleFlags, "milestone", []string{}, "payment schedule entry Title=amountCents (repeatable)")
	return cmd
}

func contractShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the project contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				c, err := e.Repo.GetContractByProject(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func contractSignCmd() *cobra.Command {
	var party, signature string
	cmd := &cobra.Command{
		Use:   "sign <contract-id>",
		Short: "Sign the contract as owner or contractor",
		Long:  "When the second party signs, the contract is fully executed: the payment schedule seeds milestones and the project goes active.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.SignContract(ctx, args[0], party, signature, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&party, "party", "", "owner or contractor")
	cmd.Flags().StringVar(&signature, "signature", "", "signature text (optional)")
	_ = cmd.MarkFlagRequired("party")
	return cmd
}

func milestoneCmd() *cobra.Command {
	ms := &cobra.Command{
		Use:   "milestone",
		Short: "Manage milestones",
		Long:  "Milestones flow not_started -> in_progress -> pending_review -> approved, or back through needs_revision.",
	}
	ms.AddCommand(milestoneCreateCmd())
	ms.AddCommand(milestoneListCmd())
	ms.AddCommand(milestoneStatusCmd())
	return ms
}

func milestoneCreateCmd() *cobra.Command {
	var opts engine.MilestoneCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a milestone",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				opts.ProjectID = projectID
				m, err := e.CreateMilestone(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.DueDate, "due", "", "due date (YYYY-MM-DD)")
	cmd.Flags().Int64Var(&opts.PaymentAmount, "amount", 0, "payment amount in cents")
	cmd.Flags().StringVar(&opts.Deliverables, "deliverables", "", "deliverables")
	cmd.Flags().StringVar(&opts.AcceptanceCriteria, "acceptance", "", "acceptance criteria")
	cmd.Flags().IntVar(&opts.OrderNumber, "order", 0, "order number (appended if omitted)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func milestoneListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List milestones in schedule order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.Repo.ListMilestones(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "ID", "Title", "Status", "Amount", "Revisions"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.OrderNumber, m.ID, m.Title, m.Status, cents(m.PaymentAmount), m.RevisionCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func milestoneStatusCmd() *cobra.Command {
	var status, reason string
	cmd := &cobra.Command{
		Use:   "status <milestone-id>",
		Short: "Move a milestone to a new status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.UpdateMilestoneStatus(ctx, engine.MilestoneStatusOptions{
					MilestoneID:     args[0],
					Status:          status,
					RejectionReason: reason,
					ActorID:         viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&status, "to", "", "target status (in_progress, pending_review, approved, needs_revision)")
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason (for needs_revision)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func paymentCmd() *cobra.Command {
	pay := &cobra.Command{
		Use:   "payment",
		Short: "Manage milestone payments",
	}
	pay.AddCommand(paymentCreateCmd())
	pay.AddCommand(paymentListCmd())
	pay.AddCommand(paymentReleaseCmd())
	return pay
}

func paymentCreateCmd() *cobra.Command {
	var opts engine.PaymentCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pending payment held in escrow",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				opts.ProjectID = projectID
				p, err := e.CreatePayment(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.MilestoneID, "milestone", "", "milestone id (must be approved)")
	cmd.Flags().Int64Var(&opts.Amount, "amount", 0, "amount in cents")
	cmd.Flags().StringVar(&opts.Method, "method", "", "payment method")
	cmd.Flags().StringVar(&opts.Reference, "reference", "", "external reference")
	cmd.Flags().BoolVar(&opts.Settle, "settle", false, "complete immediately instead of holding in escrow")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func paymentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List payments, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.Repo.ListPayments(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Milestone", "Amount", "Status", "Held", "Released"})
				for _, p := range items {
					released := ""
					if p.ReleasedAt != nil {
						released = *p.ReleasedAt
					}
					milestone := ""
					if p.MilestoneID != nil {
						milestone = *p.MilestoneID
					}
					tw.AppendRow(table.Row{p.ID, milestone, cents(p.Amount), p.Status, p.EscrowHeld, released})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func paymentReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release <payment-id>",
		Short: "Release a pending payment from escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ReleasePayment(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func escrowCmd() *cobra.Command {
	escrow := &cobra.Command{
		Use:   "escrow",
		Short: "Escrow ledger and deposits",
	}
	escrow.AddCommand(escrowDepositCmd())
	escrow.AddCommand(escrowLedgerCmd())
	return escrow
}

func escrowDepositCmd() *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "deposit",
		Short: "Deposit funds into project escrow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				entry, err := e.DepositEscrow(ctx, projectID, amount, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in cents")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func escrowLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Show the append-only escrow ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.Repo.ListEscrowEntries(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Amount", "Balance After", "TS"})
				for _, entry := range items {
					tw.AppendRow(table.Row{entry.ID, entry.EntryType, cents(entry.Amount), cents(entry.BalanceAfter), entry.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func changeOrderCmd() *cobra.Command {
	co := &cobra.Command{
		Use:   "change-order",
		Short: "Manage change orders",
		Long:  "Change orders flow pending -> approved -> implemented (or pending -> rejected). Implementing one adjusts the contract total and escrow balance together.",
	}
	co.AddCommand(changeOrderCreateCmd())
	co.AddCommand(changeOrderListCmd())
	co.AddCommand(changeOrderStatusCmd())
	return co
}

func changeOrderCreateCmd() *cobra.Command {
	var opts engine.ChangeOrderCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "File a change order",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				opts.ProjectID = projectID
				c, err := e.CreateChangeOrder(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Description, "description", "", "what changes")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "why it changes")
	cmd.Flags().Int64Var(&opts.CostImpact, "cost", 0, "cost impact in cents (may be negative)")
	cmd.Flags().IntVar(&opts.ScheduleImpactDays, "days", 0, "schedule impact in days")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func changeOrderListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List change orders, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.Repo.ListChangeOrders(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func changeOrderStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "status <change-order-id>",
		Short: "Approve, reject or implement a change order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.UpdateChangeOrderStatus(ctx, args[0], status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&status, "to", "", "target status (approved, rejected, implemented)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func disputeCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "dispute",
		Short: "Manage disputes",
		Long:  "Disputes escalate through the configured stages (default internal -> mediation -> arbitration); filing and escalation never move money.",
	}
	d.AddCommand(disputeFileCmd())
	d.AddCommand(disputeListCmd())
	d.AddCommand(disputeStatusCmd())
	d.AddCommand(disputeEscalateCmd())
	return d
}

func disputeFileCmd() *cobra.Command {
	var opts engine.DisputeFileOptions
	var amount int64
	cmd := &cobra.Command{
		Use:   "file",
		Short: "File a dispute",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.FiledBy = viper.GetString("actor-id")
			if cmd.Flags().Changed("amount") {
				opts.AmountDisputed = &amount
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				opts.ProjectID = projectID
				d, err := e.FileDispute(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.MilestoneID, "milestone", "", "milestone id (optional)")
	cmd.Flags().StringVar(&opts.DisputeType, "type", "", "dispute type (quality, payment, delay, scope)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "what is disputed")
	cmd.Flags().StringVar(&opts.EvidenceJSON, "evidence", "", "evidence as a JSON object")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount disputed in cents")
	cmd.Flags().StringVar(&opts.DesiredResolution, "desired", "", "desired resolution")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func disputeListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List disputes, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.Repo.ListDisputes(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func disputeStatusCmd() *cobra.Command {
	var status, resolution string
	cmd := &cobra.Command{
		Use:   "status <dispute-id>",
		Short: "Move a dispute to a new status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.UpdateDisputeStatus(ctx, engine.DisputeStatusOptions{
					DisputeID:  args[0],
					Status:     status,
					Resolution: resolution,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&status, "to", "", "target status (under_review, resolved, closed)")
	cmd.Flags().StringVar(&resolution, "resolution", "", "resolution text (required for resolved)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func disputeEscalateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escalate <dispute-id>",
		Short: "Escalate a dispute to the next resolution stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.EscalateDispute(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func punchCmd() *cobra.Command {
	punch := &cobra.Command{
		Use:   "punch",
		Short: "Manage the punch list",
		Long:  "The small fixes that must be closed out before the project can complete.",
	}
	punch.AddCommand(punchAddCmd())
	punch.AddCommand(punchListCmd())
	punch.AddCommand(punchCompleteCmd())
	return punch
}

func punchAddCmd() *cobra.Command {
	var title, location string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a punch list item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				it, err := e.AddPunchItem(ctx, projectID, title, location, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "what needs fixing")
	cmd.Flags().StringVar(&location, "location", "", "where")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func punchListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List punch list items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.Repo.ListPunchItems(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Location", "Status"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Title, it.Location, it.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func punchCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <item-id>",
		Short: "Complete a punch list item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.CompletePunchItem(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project settlement status",
		Long:  "The scoreboard: milestone progress, escrow balance, open punch items and disputes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				rep, err := e.ProjectStatus(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				p := rep.Project
				fmt.Printf("Project: %s - %s (%s)\n", p.ID, p.Title, p.Status)
				fmt.Printf("Contract: %s total, %s paid, %s in escrow, %d%% complete\n",
					cents(p.TotalAmount), cents(p.PaidAmount), cents(p.EscrowBalance), p.CompletionPercentage)
				fmt.Printf("Milestones: %d/%d approved, %d in flight\n",
					rep.MilestonesApproved, rep.MilestonesTotal, rep.MilestonesInFlight)
				fmt.Printf("Contract executed: %v, latest scope v%d approved: %v\n",
					rep.ContractExecuted, rep.LatestScopeVersion, rep.LatestScopeApproved)
				fmt.Printf("Open: %d punch items, %d disputes, %d pending payments\n",
					rep.OpenPunchItems, rep.OpenDisputes, rep.PendingPayments)
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
		Long:  "The diary of everything that happened: signatures, milestone moves, money movements, disputes.",
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
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				events, err := e.Repo.LatestEvents(ctx, n, projectID, evtType, entityKind, entityID)
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

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name, key string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an API key for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" || key == "" {
				return fmt.Errorf("--actor and --key required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				stored := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(key),
				}
				if err := r.InsertAPIKey(ctx, nil, stored); err != nil {
					return err
				}
				fmt.Printf("API key %s registered for %s\n", stored.ID, actorID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringVar(&key, "key", "", "secret key (only a hash is stored)")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
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
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default("")
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("SITELINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("SITELINE_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header)")
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
			fmt.Printf("Serving Siteline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept the unauthenticated X-Actor-Id header (dev only)")
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
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default("")
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

// withProject resolves the target project (from --project or a
// single-project DB) and its persisted config before running fn.
func withProject(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
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
	projectID, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e, projectID)
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

func parseSchedule(entries []string) ([]domain.ScheduleEntry, error) {
	var schedule []domain.ScheduleEntry
	for _, raw := range entries {
		title, amountStr, ok := strings.Cut(raw, "=")
		if !ok {
			return nil, fmt.Errorf("invalid schedule entry %q, want Title=amountCents", raw)
		}
		amount, err := strconv.ParseInt(strings.TrimSpace(amountStr), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid amount in schedule entry %q: %w", raw, err)
		}
		schedule = append(schedule, domain.ScheduleEntry{
			Title:  strings.TrimSpace(title),
			Amount: amount,
		})
	}
	return schedule, nil
}

func cents(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s$%d.%02d", sign, v/100, v%100)
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

