package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/catherinevee/remediator/internal/app"
	"github.com/catherinevee/remediator/internal/remediation"
)

type submitFlags struct {
	findingID       string
	resourceID      string
	resourceType    string
	remediationType string
	region          string
	accountID       string
	requestedBy     string
	params          []string
	paramsFile      string
	dryRun          bool
	autoApprove     bool
	overrideSafety  bool
	overrideReason  string
	correlationID   string
}

func newSubmitCommand(rt *runtime, explicitApproval bool) *cobra.Command {
	var f submitFlags

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Remediate a finding, executing immediately when no approval is needed",
	}
	if explicitApproval {
		cmd.Use = "request-approval"
		cmd.Short = "Submit a remediation that always waits for an approver"
	}

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		p, err := rt.printer(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		tenant, err := rt.tenant()
		if err != nil {
			return err
		}
		params, err := parseParams(f.params, f.paramsFile)
		if err != nil {
			return err
		}

		req := remediation.Request{
			TenantID:        tenant,
			FindingID:       f.findingID,
			ResourceID:      f.resourceID,
			ResourceType:    f.resourceType,
			RemediationType: f.remediationType,
			Region:          f.region,
			AccountID:       f.accountID,
			RequestedBy:     f.requestedBy,
			Parameters:      params,
			DryRun:          f.dryRun,
			AutoApprove:     f.autoApprove,
			OverrideSafety:  f.overrideSafety,
			OverrideReason:  f.overrideReason,
			CorrelationID:   f.correlationID,
		}

		return rt.withApp(cmd, func(a *app.App) error {
			submit := a.Workflow.Apply
			if explicitApproval {
				submit = a.Workflow.RequestApproval
			}
			job, err := submit(cmd.Context(), req)
			return p.result(job, err)
		})
	}

	flags := cmd.Flags()
	flags.StringVar(&f.findingID, "finding-id", "", "compliance finding being remediated")
	flags.StringVar(&f.resourceID, "resource-id", "", "resource identifier")
	flags.StringVar(&f.resourceType, "resource-type", "", "resource type, for example storage-bucket")
	flags.StringVar(&f.remediationType, "remediation-type", "", "remediation, for example enable-bucket-encryption")
	flags.StringVar(&f.region, "region", "", "resource region")
	flags.StringVar(&f.accountID, "account-id", "", "resource account")
	flags.StringVar(&f.requestedBy, "requested-by", os.Getenv("USER"), "requesting principal")
	flags.StringArrayVar(&f.params, "param", nil, "remediation parameter as key=value; JSON values are decoded")
	flags.StringVar(&f.paramsFile, "params-file", "", "JSON file with remediation parameters")
	flags.BoolVar(&f.dryRun, "dry-run", false, "compute changes without mutating anything")
	flags.BoolVar(&f.autoApprove, "auto-approve", false, "skip approval when policy allows it")
	flags.BoolVar(&f.overrideSafety, "override-safety", false, "proceed past failed critical checks (approval still applies)")
	flags.StringVar(&f.overrideReason, "override-reason", "", "why the safety override is justified")
	flags.StringVar(&f.correlationID, "correlation-id", "", "correlation id carried into audit events")

	for _, name := range []string{"finding-id", "resource-id", "resource-type", "remediation-type"} {
		cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newApproveCommand(rt *runtime) *cobra.Command {
	var approver, comment string

	cmd := &cobra.Command{
		Use:   "approve JOB_ID",
		Short: "Approve a parked remediation and execute it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.jobCommand(cmd, func(a *app.App, tenant string) (*remediation.Job, error) {
				return a.Workflow.Approve(cmd.Context(), tenant, args[0], approver, comment)
			})
		},
	}
	cmd.Flags().StringVar(&approver, "approver", os.Getenv("USER"), "approving principal")
	cmd.Flags().StringVar(&comment, "comment", "", "note recorded with the approval")
	return cmd
}

func newRollbackCommand(rt *runtime) *cobra.Command {
	var actor, reason string

	cmd := &cobra.Command{
		Use:   "rollback JOB_ID",
		Short: "Reverse a completed remediation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.jobCommand(cmd, func(a *app.App, tenant string) (*remediation.Job, error) {
				return a.Workflow.Rollback(cmd.Context(), tenant, args[0], actor, reason)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", os.Getenv("USER"), "principal performing the rollback")
	cmd.Flags().StringVar(&reason, "reason", "", "why the change is being reversed")
	return cmd
}

func newStatusCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show a remediation job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.jobCommand(cmd, func(a *app.App, tenant string) (*remediation.Job, error) {
				return a.Workflow.Status(cmd.Context(), tenant, args[0])
			})
		},
	}
}

func newPendingCommand(rt *runtime) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List remediations waiting for approval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := rt.printer(cmd.OutOrStdout())
			if err != nil {
				return err
			}

			tenant := ""
			if !all {
				if tenant, err = rt.tenant(); err != nil {
					return err
				}
			}

			return rt.withApp(cmd, func(a *app.App) error {
				jobs, err := a.Workflow.ListPending(cmd.Context(), tenant)
				if err != nil {
					return err
				}
				return p.jobs(jobs)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all-tenants", false, "list parked jobs for every tenant")
	return cmd
}

func (rt *runtime) withApp(cmd *cobra.Command, fn func(*app.App) error) error {
	a, err := rt.open(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func (rt *runtime) jobCommand(cmd *cobra.Command, fn func(*app.App, string) (*remediation.Job, error)) error {
	p, err := rt.printer(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	tenant, err := rt.tenant()
	if err != nil {
		return err
	}
	return rt.withApp(cmd, func(a *app.App) error {
		job, err := fn(a, tenant)
		return p.result(job, err)
	})
}

// parseParams merges --params-file with --param pairs; pairs win.
func parseParams(pairs []string, file string) (remediation.Parameters, error) {
	params := remediation.Parameters{}

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read params file: %w", err)
		}
		if err := json.Unmarshal(data, &params); err != nil {
			return nil, fmt.Errorf("params file must hold a JSON object: %w", err)
		}
	}

	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		params[key] = value
	}

	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}
