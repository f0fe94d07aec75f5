package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/catherinevee/remediator/internal/app"
	"github.com/catherinevee/remediator/internal/audit"
)

func newAuditCommand(rt *runtime) *cobra.Command {
	var (
		jobID         string
		correlationID string
		actions       []string
		since         time.Duration
		limit         int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read the audit trail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := rt.printer(cmd.OutOrStdout())
			if err != nil {
				return err
			}

			filter := audit.Filter{
				TargetID:      jobID,
				CorrelationID: correlationID,
				Limit:         limit,
			}
			for _, a := range actions {
				filter.Actions = append(filter.Actions, audit.Action("remediation."+a))
			}
			if since > 0 {
				filter.StartTime = time.Now().Add(-since)
			}

			return rt.withApp(cmd, func(a *app.App) error {
				if a.Audit == nil {
					return fmt.Errorf("the audit file sink is disabled (audit.directory is empty)")
				}
				events, err := a.Audit.Query(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return p.events(events)
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&jobID, "job", "", "only events for this job")
	flags.StringVar(&correlationID, "correlation-id", "", "only events with this correlation id")
	flags.StringSliceVar(&actions, "action", nil, "only these actions, for example applied,rolled_back")
	flags.DurationVar(&since, "since", 0, "only events newer than this, for example 24h")
	flags.IntVar(&limit, "limit", 0, "maximum number of events")
	return cmd
}
