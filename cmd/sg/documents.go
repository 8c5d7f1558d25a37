package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"stagegate/internal/app"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/repo"
)

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{
		Use:   "template",
		Short: "Manage approval templates",
		Long:  "Templates are versioned. Editing or deactivating one never changes instances already materialized from it.",
	}

	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import templates from YAML",
		Long:  "Accepts either a list of templates or a document with a templates key. Templates with an existing id are updated and keep their active flag.",
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := readTemplateSpecs(file)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				saved, err := rt.Engine.ImportTemplates(ctx, specs, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(saved, func() { printTemplates(saved) })
			})
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "templates YAML file")
	_ = importCmd.MarkFlagRequired("file")
	tpl.AddCommand(importCmd)

	var company string
	var all bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListTemplates(ctx, company, all)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func() { printTemplates(items) })
			})
		},
	}
	listCmd.Flags().StringVar(&company, "company", "", "company filter")
	listCmd.Flags().BoolVar(&all, "all", false, "include inactive templates")
	tpl.AddCommand(listCmd)

	tpl.AddCommand(&cobra.Command{
		Use:   "show <template-id>",
		Short: "Show a template and its gates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.GetTemplate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t, func() { printTemplate(t) })
			})
		},
	})

	tpl.AddCommand(&cobra.Command{
		Use:   "deactivate <template-id>",
		Short: "Stop a template from governing new submissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.DeactivateTemplate(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrText(t, fmt.Sprintf("template %s deactivated (version %d)", t.ID, t.Version))
			})
		},
	})
	tpl.AddCommand(&cobra.Command{
		Use:   "activate <template-id>",
		Short: "Put a deactivated template back into resolution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.ActivateTemplate(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrText(t, fmt.Sprintf("template %s active (version %d)", t.ID, t.Version))
			})
		},
	})
	return tpl
}

func readTemplateSpecs(path string) ([]domain.TemplateSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Templates []domain.TemplateSpec `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &doc); err == nil && len(doc.Templates) > 0 {
		return doc.Templates, nil
	}
	var list []domain.TemplateSpec
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("invalid templates yaml: %w", err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("no templates in %s", path)
	}
	return list, nil
}

func submitCmd() *cobra.Command {
	var req engine.SubmitRequest
	var asOf string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a document for approval",
		Long: `Resolves the governing template for the document's company and department, converts the amount
to the company currency and freezes the applicable gates into a new instance. Resubmitting a
document discards its previous instance. Without a template, or when no gate applies to the
amount, the document is approved immediately.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if asOf != "" {
				t, err := parseDate(asOf)
				if err != nil {
					return err
				}
				req.AsOf = t
			}
			req.ActorID = viper.GetString("actor-id")
			if req.RequesterID == "" {
				req.RequesterID = req.ActorID
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				sub, err := rt.Engine.ResolveAndMaterialize(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(sub, func() { printSubmission(sub) })
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.DocumentID, "document", "", "document id")
	f.StringVar(&req.DocumentKind, "kind", "", "document kind, e.g. purchase_order")
	f.StringVar(&req.CompanyID, "company", "", "company id")
	f.StringVar(&req.DepartmentID, "department", "", "department id")
	f.StringVar(&req.RequesterID, "requester", "", "requester id (defaults to --actor-id)")
	f.Int64Var(&req.Amount, "amount", 0, "amount in minor units")
	f.StringVar(&req.Currency, "currency", "", "amount currency (defaults to the company currency)")
	f.StringVar(&asOf, "as-of", "", "rate date, YYYY-MM-DD or RFC3339")
	_ = cmd.MarkFlagRequired("document")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}

func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", v)
	}
	return t, nil
}

func instanceCmd() *cobra.Command {
	inst := &cobra.Command{Use: "instance", Short: "Inspect approval instances"}
	inst.AddCommand(&cobra.Command{
		Use:   "show <instance-id>",
		Short: "Show an instance and its gates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				in, err := rt.Engine.GetInstance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(in, func() { printInstance(in) })
			})
		},
	})
	inst.AddCommand(&cobra.Command{
		Use:   "for-document <document-id>",
		Short: "Show the current instance of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				in, err := rt.Engine.InstanceForDocument(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(in, func() { printInstance(in) })
			})
		},
	})
	return inst
}

func approveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <instance-id> <gate-id>",
		Short: "Approve an active gate as --actor-id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				in, err := rt.Engine.RecordApproval(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(in, func() { printInstance(in) })
			})
		},
	}
}

func rejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <instance-id> <gate-id>",
		Short: "Reject an active gate as --actor-id, rejecting the document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				in, err := rt.Engine.RecordRejection(ctx, args[0], args[1], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(in, func() { printInstance(in) })
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func canActCmd() *cobra.Command {
	var principal string
	cmd := &cobra.Command{
		Use:   "can-act <instance-id> <gate-id>",
		Short: "Check whether a principal may act on a gate now",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if principal == "" {
				principal = viper.GetString("actor-id")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ok, err := rt.Engine.CanAct(ctx, args[0], args[1], principal)
				if err != nil {
					return err
				}
				return printJSONOrText(map[string]any{"principal": principal, "allowed": ok}, fmt.Sprintf("%s: %t", principal, ok))
			})
		},
	}
	cmd.Flags().StringVar(&principal, "principal", "", "principal to check (defaults to --actor-id)")
	return cmd
}

func inboxCmd() *cobra.Command {
	var principal string
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List gates awaiting a principal's decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			if principal == "" {
				principal = viper.GetString("actor-id")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListActionable(ctx, principal)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func() {
					t := newTable()
					t.AppendHeader(table.Row{"Instance", "Document", "Company", "Amount", "Gate", "Tier", "Label", "Quorum"})
					for _, it := range items {
						t.AppendRow(table.Row{it.InstanceID, it.DocumentID, it.CompanyID, formatAmount(it.Amount, it.Currency),
							it.Gate.ID, it.Gate.Tier, it.Gate.Label, it.Gate.QuorumPolicy})
					}
					t.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&principal, "principal", "", "principal (defaults to --actor-id)")
	return cmd
}

// --- output ---

func repoFilters(companyID, evtType, entityKind, entityID string) repo.EventFilters {
	return repo.EventFilters{CompanyID: companyID, Type: evtType, EntityKind: entityKind, EntityID: entityID}
}

func printJSONOrTable(v any, render func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	render()
	return nil
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	return t
}

func formatAmount(amount int64, currency string) string {
	if currency == "" {
		return fmt.Sprintf("%d", amount)
	}
	return fmt.Sprintf("%d %s", amount, currency)
}

func printTemplates(items []domain.Template) {
	t := newTable()
	t.AppendHeader(table.Row{"ID", "Name", "Company", "Department", "Seq", "Version", "Active", "Gates"})
	for _, it := range items {
		t.AppendRow(table.Row{it.ID, it.Name, it.CompanyID, it.DepartmentID, it.Sequence, it.Version, it.Active, len(it.Gates)})
	}
	t.Render()
}

func printTemplate(tpl domain.Template) {
	fmt.Printf("%s  %s  company=%s department=%s seq=%d version=%d active=%t\n",
		tpl.ID, tpl.Name, tpl.CompanyID, tpl.DepartmentID, tpl.Sequence, tpl.Version, tpl.Active)
	t := newTable()
	t.AppendHeader(table.Row{"Tier", "Label", "Min", "Quorum", "Approvers"})
	for _, g := range tpl.Gates {
		floor := "-"
		if g.MinThreshold != nil {
			floor = fmt.Sprintf("%d", *g.MinThreshold)
		}
		t.AppendRow(table.Row{g.Tier, g.Label, floor, g.QuorumPolicy, strings.Join(g.RequiredApprovers, ", ")})
	}
	t.Render()
}

func printInstance(in domain.Instance) {
	fmt.Printf("%s  document=%s company=%s amount=%s outcome=%s\n",
		in.ID, in.DocumentID, in.CompanyID, formatAmount(in.Amount, in.Currency), in.Outcome)
	if in.RejectionReason != "" {
		fmt.Printf("rejected: %s\n", in.RejectionReason)
	}
	t := newTable()
	t.AppendHeader(table.Row{"Gate", "Tier", "Label", "Quorum", "Status", "Required", "Approved"})
	for _, g := range in.Gates {
		t.AppendRow(table.Row{g.ID, g.Tier, g.Label, g.QuorumPolicy, g.Status,
			strings.Join(g.RequiredApprovers, ", "), strings.Join(g.ActualApprovers, ", ")})
	}
	t.Render()
}

func printSubmission(sub engine.Submission) {
	if sub.DiscardedInstanceID != "" {
		fmt.Printf("discarded previous instance %s\n", sub.DiscardedInstanceID)
	}
	if sub.AutoApproved {
		fmt.Printf("approved without gates (%s), amount %s\n", sub.AutoApproveReason, formatAmount(sub.Amount, sub.Currency))
		return
	}
	if sub.Instance != nil {
		printInstance(*sub.Instance)
	}
}

func printEmployees(items []domain.Employee) error {
	return printJSONOrTable(items, func() {
		t := newTable()
		t.AppendHeader(table.Row{"Employee", "Manager", "Department"})
		for _, e := range items {
			t.AppendRow(table.Row{e.ID, e.ManagerID, e.DepartmentID})
		}
		t.Render()
	})
}

func printEvents(items []domain.Event) error {
	return printJSONOrTable(items, func() {
		t := newTable()
		t.AppendHeader(table.Row{"ID", "TS", "Type", "Company", "Entity", "Actor", "Payload"})
		for _, e := range items {
			t.AppendRow(table.Row{e.ID, e.TS, e.Type, e.CompanyID, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
		}
		t.Render()
	})
}
