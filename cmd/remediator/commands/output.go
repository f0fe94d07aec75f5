package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/catherinevee/remediator/internal/audit"
	"github.com/catherinevee/remediator/internal/remediation"
)

type printer struct {
	w      io.Writer
	format string
}

// result prints the job (if any) and passes err through, so a failed or
// rejected job is still shown before the error.
func (p *printer) result(job *remediation.Job, err error) error {
	if job != nil {
		if perr := p.job(job); perr != nil {
			return perr
		}
	}
	return err
}

func (p *printer) json(v interface{}) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) job(job *remediation.Job) error {
	if p.format == "json" {
		return p.json(job)
	}

	table := tablewriter.NewWriter(p.w)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.Append([]string{"Job", job.JobID})
	table.Append([]string{"Tenant", job.TenantID})
	table.Append([]string{"Status", statusString(job.Status)})
	table.Append([]string{"Resource", fmt.Sprintf("%s (%s)", job.ResourceID, job.ResourceType)})
	table.Append([]string{"Remediation", job.RemediationType})
	table.Append([]string{"Requested", fmt.Sprintf("%s by %s", formatTime(job.RequestedAt), job.RequestedBy)})
	if job.ImpactEstimate != nil {
		table.Append([]string{"Risk", riskString(job.ImpactEstimate.RiskLevel)})
	}
	if job.ApprovedBy != "" {
		table.Append([]string{"Approved by", job.ApprovedBy})
	}
	if job.DryRun {
		table.Append([]string{"Dry run", "yes"})
	}
	if job.Message != "" {
		table.Append([]string{"Message", job.Message})
	}
	table.Render()

	if job.SafetyCheckResult != nil && len(job.SafetyCheckResult.Failed()) > 0 {
		fmt.Fprintln(p.w, color.CyanString("\nFailed safety checks"))
		checks := tablewriter.NewWriter(p.w)
		checks.SetHeader([]string{"Check", "Severity", "Message"})
		checks.SetAutoWrapText(false)
		for _, c := range job.SafetyCheckResult.Failed() {
			checks.Append([]string{c.Name, riskString(c.Severity), c.Message})
		}
		checks.Render()
	}

	if len(job.Changes) > 0 {
		fmt.Fprintln(p.w, color.CyanString("\nChanges"))
		for _, c := range job.Changes {
			fmt.Fprintf(p.w, "  %s %s\n", c.Action, c.Resource)
		}
	}

	if rb := job.RollbackResult; rb != nil {
		fmt.Fprintln(p.w, color.CyanString("\nRollback actions"))
		actions := tablewriter.NewWriter(p.w)
		actions.SetHeader([]string{"Action", "Resource", "Status", "Error"})
		actions.SetAutoWrapText(false)
		for _, a := range rb.Actions {
			actions.Append([]string{a.Action, a.Resource, actionString(a.Status), a.Error})
		}
		actions.Render()
		for _, line := range rb.Instructions {
			fmt.Fprintf(p.w, "  %s %s\n", color.YellowString("!"), line)
		}
	}
	return nil
}

func (p *printer) jobs(jobs []*remediation.Job) error {
	if p.format == "json" {
		if jobs == nil {
			jobs = []*remediation.Job{}
		}
		return p.json(jobs)
	}

	if len(jobs) == 0 {
		fmt.Fprintln(p.w, "No remediations waiting for approval")
		return nil
	}

	table := tablewriter.NewWriter(p.w)
	table.SetHeader([]string{"Job", "Tenant", "Resource", "Remediation", "Risk", "Requested by", "Requested at"})
	table.SetAutoWrapText(false)
	for _, job := range jobs {
		risk := "-"
		if job.ImpactEstimate != nil {
			risk = riskString(job.ImpactEstimate.RiskLevel)
		}
		table.Append([]string{
			job.JobID,
			job.TenantID,
			job.ResourceID,
			job.RemediationType,
			risk,
			job.RequestedBy,
			formatTime(job.RequestedAt),
		})
	}
	table.Render()
	return nil
}

func (p *printer) events(events []audit.Event) error {
	if p.format == "json" {
		if events == nil {
			events = []audit.Event{}
		}
		return p.json(events)
	}

	table := tablewriter.NewWriter(p.w)
	table.SetHeader([]string{"Time", "Action", "Job", "Tenant", "Actor"})
	table.SetAutoWrapText(false)
	for _, ev := range events {
		table.Append([]string{
			formatTime(ev.Timestamp),
			strings.TrimPrefix(string(ev.Action), "remediation."),
			ev.TargetID,
			ev.TenantID,
			ev.ActorID,
		})
	}
	table.Render()
	return nil
}

func statusString(s remediation.Status) string {
	switch s {
	case remediation.StatusCompleted:
		return color.GreenString(string(s))
	case remediation.StatusFailed:
		return color.RedString(string(s))
	case remediation.StatusPendingApproval, remediation.StatusRolledBack:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func riskString(r remediation.RiskLevel) string {
	switch r {
	case remediation.RiskLow:
		return color.GreenString(string(r))
	case remediation.RiskMedium:
		return color.YellowString(string(r))
	default:
		return color.RedString(string(r))
	}
}

func actionString(s remediation.ActionStatus) string {
	switch s {
	case remediation.ActionSuccess:
		return color.GreenString(string(s))
	case remediation.ActionFailed:
		return color.RedString(string(s))
	default:
		return color.YellowString(string(s))
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
