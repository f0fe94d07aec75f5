// Package app wires configuration, storage, cloud clients and the
// remediation workflow into a runnable service.
package app

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/catherinevee/remediator/internal/api/remediation"
	"github.com/catherinevee/remediator/internal/audit"
	rem "github.com/catherinevee/remediator/internal/remediation"
	"github.com/catherinevee/remediator/internal/notification"
	"github.com/catherinevee/remediator/internal/remediation/actuator"
	"github.com/catherinevee/remediator/internal/remediation/approval"
	"github.com/catherinevee/remediator/internal/remediation/rollback"
	"github.com/catherinevee/remediator/internal/remediation/safety"
	"github.com/catherinevee/remediator/internal/remediation/workflow"
	"github.com/catherinevee/remediator/internal/shared/config"
	"github.com/catherinevee/remediator/internal/shared/logger"
	"github.com/catherinevee/remediator/internal/shared/metrics"
	"github.com/catherinevee/remediator/internal/shared/telemetry"
	"github.com/catherinevee/remediator/internal/storage/jobstore"
)

// Options controls how the application is assembled.
type Options struct {
	ConfigPath string
	// LogLevel overrides the configured level when set.
	LogLevel string
	// LogWriter replaces the configured log output when set.
	LogWriter io.Writer
	// AWSConfig skips the default credential chain when set.
	AWSConfig *aws.Config
	// Clients replaces the AWS service clients used by handlers and the
	// inspector.
	Clients *actuator.Clients
	// Notifiers replaces the configured approver channels.
	Notifiers []notification.Notifier
	// Store replaces the configured job store. The app does not close it.
	Store jobstore.Store
	Clock func() time.Time
	// Version is reported on exported spans.
	Version string
}

// App holds the assembled service.
type App struct {
	Config    *config.Manager
	Logger    zerolog.Logger
	Registry  *prometheus.Registry
	Store     jobstore.Store
	Actuator  *actuator.Actuator
	Safety    *safety.Gate
	Approvals *approval.Gate
	Audit     *audit.FileSink
	Workflow  *workflow.Workflow
	Tracing   *telemetry.Provider

	closers []io.Closer
}

// New loads configuration and builds every component.
func New(ctx context.Context, opts Options) (*App, error) {
	mgr, err := config.NewManager(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	cfg := mgr.Get()

	a := &App{Config: mgr}
	if err := a.initLogger(cfg.Logging, opts); err != nil {
		mgr.Stop()
		return nil, err
	}
	mgr.SetLogger(logger.Component(a.Logger, "config"))

	if err := a.build(ctx, cfg, opts); err != nil {
		a.Close()
		return nil, err
	}

	mgr.OnChange(a.reload)
	return a, nil
}

func (a *App) initLogger(cfg config.LoggingSettings, opts Options) error {
	lc := logger.Config{
		Level:  cfg.Level,
		Format: cfg.Format,
		Output: cfg.Output,
		Caller: cfg.Caller,
	}
	if opts.LogLevel != "" {
		lc.Level = opts.LogLevel
	}

	if opts.LogWriter != nil {
		a.Logger = logger.NewWithWriter(lc, opts.LogWriter)
		return nil
	}

	l, closer, err := logger.New(lc)
	if err != nil {
		return err
	}
	a.Logger = l
	a.closers = append(a.closers, closer)
	return nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, opts Options) error {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	spanOut := opts.LogWriter
	if spanOut == nil {
		spanOut = os.Stderr
	}
	tracing, err := telemetry.InitTracing(ctx, cfg.Tracing, telemetry.Options{
		Version: opts.Version,
		Writer:  spanOut,
		Logger:  logger.Component(a.Logger, "telemetry"),
	})
	if err != nil {
		return err
	}
	a.Tracing = tracing
	a.closers = append(a.closers, closerFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tracing.Shutdown(ctx)
	}))

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewRecorder(a.Registry)

	awsCfg, err := a.awsConfig(ctx, cfg.AWS, opts)
	if err != nil {
		return err
	}

	a.Store = opts.Store
	if a.Store == nil {
		storeOpts := jobstore.Options{Clock: clock}
		if cfg.Store.Backend == "dynamodb" {
			storeOpts.DynamoDB = dynamodb.NewFromConfig(awsCfg)
		}
		store, err := jobstore.Open(ctx, cfg.Store, storeOpts)
		if err != nil {
			return fmt.Errorf("failed to open job store: %w", err)
		}
		a.Store = store
		a.closers = append(a.closers, closerFunc(store.Close))
	}

	clients := opts.Clients
	if clients == nil {
		clients = actuator.NewClientsFromConfig(awsCfg, actuator.ClientOptions{
			MaxMutationsPerSecond: cfg.AWS.MaxMutationsPerSecond,
			Burst:                 cfg.AWS.Burst,
		})
	}

	a.Actuator = actuator.New(
		actuator.WithLogger(a.Logger),
		actuator.WithProductionMatcher(rem.ProductionNameMatcher(cfg.Safety.ProductionMarkers)),
	)
	if err := actuator.RegisterAWSHandlers(a.Actuator, clients); err != nil {
		return err
	}

	policy, err := safety.NewPolicy(cfg.Safety)
	if err != nil {
		return err
	}
	inspector := actuator.NewInspector(clients)
	gateOpts := []safety.Option{
		safety.WithChangeLog(inspector),
		safety.WithClock(clock),
		safety.WithMetrics(rec),
		safety.WithLogger(a.Logger),
	}
	if cfg.Safety.CheckPermissions {
		gateOpts = append(gateOpts, safety.WithPermissionChecker(actuator.NewPermissionChecker(clients)))
	}
	a.Safety = safety.NewGate(inspector, policy, gateOpts...)

	notifiers := opts.Notifiers
	if notifiers == nil {
		var channels notification.Clients
		if cfg.Notifications.SNS.Enabled {
			channels.SNS = sns.NewFromConfig(awsCfg)
		}
		if cfg.Notifications.SQS.Enabled {
			channels.SQS = sqs.NewFromConfig(awsCfg)
		}
		notifiers, err = notification.Build(cfg.Notifications, cfg.Approval.Channels, channels, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to build notifiers: %w", err)
		}
	}
	a.Approvals = approval.NewGate(approval.NewPolicy(cfg.Approval, cfg.Safety.ProductionMarkers), notifiers,
		approval.WithMetrics(rec),
		approval.WithLogger(a.Logger),
	)

	sinks := audit.MultiSink{}
	if cfg.Audit.Directory != "" {
		fileSink, err := audit.NewFileSink(config.ExpandPath(cfg.Audit.Directory))
		if err != nil {
			return err
		}
		a.Audit = fileSink
		a.closers = append(a.closers, fileSink)
		sinks = append(sinks, fileSink)
	}
	if cfg.Audit.Log {
		sinks = append(sinks, audit.NewLogSink(a.Logger))
	}

	coordinator := rollback.NewCoordinator(a.Actuator, rec, a.Logger)
	a.Workflow = workflow.New(a.Store, a.Safety, a.Actuator, a.Approvals, coordinator,
		workflow.WithAudit(sinks),
		workflow.WithMetrics(rec),
		workflow.WithLogger(a.Logger),
		workflow.WithClock(clock),
	)
	return nil
}

func (a *App) awsConfig(ctx context.Context, cfg config.AWSSettings, opts Options) (aws.Config, error) {
	if opts.AWSConfig != nil {
		return *opts.AWSConfig, nil
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// reload applies hot-reloadable settings: the safety heuristics, the
// production matcher and the approval policy.
func (a *App) reload(cfg *config.Config) {
	log := logger.Component(a.Logger, "config")

	policy, err := safety.NewPolicy(cfg.Safety)
	if err != nil {
		log.Error().Err(err).Msg("ignoring invalid safety settings")
		return
	}
	a.Safety.SetPolicy(policy)
	a.Actuator.SetProductionMatcher(rem.ProductionNameMatcher(cfg.Safety.ProductionMarkers))
	a.Approvals.SetPolicy(approval.NewPolicy(cfg.Approval, cfg.Safety.ProductionMarkers))

	log.Info().
		Strs("production_markers", cfg.Safety.ProductionMarkers).
		Strs("gated_resource_types", cfg.Approval.GatedResourceTypes).
		Msg("policies reloaded")
}

// AuditDir is the expanded audit directory, or "" when the file sink is off.
func (a *App) AuditDir() string {
	dir := a.Config.Get().Audit.Directory
	if dir == "" {
		return ""
	}
	return filepath.Clean(config.ExpandPath(dir))
}

// Handler builds the HTTP handler for the service.
func (a *App) Handler() http.Handler {
	return remediation.NewRouter(remediation.NewHandler(a.Workflow, a.Logger), a.Registry)
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down.
// An empty addr uses server.addr from the configuration.
func (a *App) Serve(ctx context.Context, addr string) error {
	cfg := a.Config.Get().Server
	if addr == "" {
		addr = cfg.Addr
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      a.Handler(),
		ReadTimeout:  parseDuration(cfg.ReadTimeout, 15*time.Second),
		WriteTimeout: parseDuration(cfg.WriteTimeout, 60*time.Second),
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", addr).Msg("starting remediation API")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.Logger.Info().Msg("shutting down remediation API")
	return srv.Shutdown(shutdownCtx)
}

// Close flushes spans and releases the store, audit files, log output and
// config watcher.
func (a *App) Close() error {
	if a.Config != nil {
		a.Config.Stop()
	}

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return stderrors.Join(errs...)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
