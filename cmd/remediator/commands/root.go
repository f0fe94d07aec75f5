package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/catherinevee/remediator/internal/app"
)

// Version is set at build time.
var Version = "dev"

const defaultConfigPath = "~/.remediator/config.yaml"

type runtime struct {
	base app.Options
	v    *viper.Viper
}

// NewRootCommand builds the remediator command tree. base supplies defaults
// for every app built by a subcommand; flags override its config path and log
// level.
func NewRootCommand(base app.Options) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("REMEDIATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "remediator",
		Short: "Compliance remediation with safety checks, approvals and rollback",
		Long: `remediator applies fixes for cloud compliance findings.

Every request passes pre-flight safety checks and an impact estimate before
anything changes. Risky or production changes wait for a named approver, and
completed remediations can be rolled back from the descriptor recorded at
execution time.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", defaultConfigPath, "config file")
	flags.String("log-level", "", "override the configured log level (debug, info, warn, error)")
	flags.String("tenant", "", "tenant id (env REMEDIATOR_TENANT)")
	flags.StringP("output", "o", "table", "output format: table or json")

	for _, name := range []string{"config", "log-level", "tenant", "output"} {
		v.BindPFlag(name, flags.Lookup(name))
	}

	rt := &runtime{base: base, v: v}
	root.AddCommand(
		newServeCommand(rt),
		newSubmitCommand(rt, false),
		newSubmitCommand(rt, true),
		newApproveCommand(rt),
		newRollbackCommand(rt),
		newStatusCommand(rt),
		newPendingCommand(rt),
		newAuditCommand(rt),
	)
	return root
}

// Execute runs the command tree with default options.
func Execute(ctx context.Context) error {
	return NewRootCommand(app.Options{}).ExecuteContext(ctx)
}

// open builds the app for a one-shot command. Logs go to stderr so they do
// not interleave with command output.
func (rt *runtime) open(cmd *cobra.Command) (*app.App, error) {
	opts := rt.base
	opts.Version = Version
	opts.ConfigPath = rt.v.GetString("config")
	if level := rt.v.GetString("log-level"); level != "" {
		opts.LogLevel = level
	}
	if opts.LogWriter == nil {
		opts.LogWriter = cmd.ErrOrStderr()
	}
	return app.New(cmd.Context(), opts)
}

func (rt *runtime) tenant() (string, error) {
	tenant := rt.v.GetString("tenant")
	if tenant == "" {
		return "", fmt.Errorf("tenant is required (--tenant or REMEDIATOR_TENANT)")
	}
	return tenant, nil
}

func (rt *runtime) printer(w io.Writer) (*printer, error) {
	format := rt.v.GetString("output")
	switch format {
	case "table", "json":
		return &printer{w: w, format: format}, nil
	}
	return nil, fmt.Errorf("unknown output format %q", format)
}
