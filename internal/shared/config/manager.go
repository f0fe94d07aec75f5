package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config represents the complete remediator configuration
type Config struct {
	Logging       LoggingSettings      `yaml:"logging"`
	Server        ServerSettings       `yaml:"server"`
	AWS           AWSSettings          `yaml:"aws"`
	Store         StoreSettings        `yaml:"store"`
	Safety        SafetySettings       `yaml:"safety"`
	Approval      ApprovalSettings     `yaml:"approval"`
	Notifications NotificationSettings `yaml:"notifications"`
	Audit         AuditSettings        `yaml:"audit"`
	Tracing       TracingSettings      `yaml:"tracing"`
}

// LoggingSettings represents logging settings
type LoggingSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	Caller bool   `yaml:"caller"`
}

// ServerSettings represents the HTTP listener settings
type ServerSettings struct {
	Addr         string `yaml:"addr"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
}

// AWSSettings represents the cloud account settings used by the actuator
type AWSSettings struct {
	Region                string  `yaml:"region"`
	Profile               string  `yaml:"profile,omitempty"`
	MaxMutationsPerSecond float64 `yaml:"max_mutations_per_second"`
	Burst                 int     `yaml:"burst"`
}

// StoreSettings selects and configures the job store backend
type StoreSettings struct {
	Backend   string `yaml:"backend"` // memory, sqlite, postgres, dynamodb, redis
	Path      string `yaml:"path,omitempty"`
	DSN       string `yaml:"dsn,omitempty"`
	Table     string `yaml:"table,omitempty"`
	Addr      string `yaml:"addr,omitempty"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db,omitempty"`
	KeyPrefix string `yaml:"key_prefix,omitempty"`
}

// SafetySettings feeds the pre-flight check heuristics
type SafetySettings struct {
	ProductionMarkers []string              `yaml:"production_markers"`
	CriticalTagKeys   []string              `yaml:"critical_tag_keys"`
	CriticalTagValues []string              `yaml:"critical_tag_values"`
	BusinessHours     BusinessHoursSettings `yaml:"business_hours"`
	CheckTimeout      string                `yaml:"check_timeout"`
	// CheckPermissions enables the IAM policy simulation check. The
	// credentials need iam:SimulatePrincipalPolicy.
	CheckPermissions bool `yaml:"check_permissions"`
}

// BusinessHoursSettings describes the window in which production changes are flagged
type BusinessHoursSettings struct {
	StartHour int      `yaml:"start_hour"`
	EndHour   int      `yaml:"end_hour"`
	Weekdays  []string `yaml:"weekdays"`
	Timezone  string   `yaml:"timezone"`
}

// ApprovalSettings represents the approval policy
type ApprovalSettings struct {
	GatedResourceTypes    []string `yaml:"gated_resource_types"`
	GatedRemediationTypes []string `yaml:"gated_remediation_types"`
	TimeoutHours          int      `yaml:"timeout_hours"`
	EscalationHours       int      `yaml:"escalation_hours"`
	Channels              []string `yaml:"channels"`
}

// NotificationSettings represents approver channel settings
type NotificationSettings struct {
	Email    EmailSettings `yaml:"email,omitempty"`
	Webhooks []string      `yaml:"webhooks,omitempty"`
	SNS      SNSSettings   `yaml:"sns,omitempty"`
	SQS      SQSSettings   `yaml:"sqs,omitempty"`
}

// EmailSettings represents email notification settings
type EmailSettings struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username,omitempty"`
	Password string   `yaml:"password,omitempty"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// SNSSettings represents the SNS approver channel
type SNSSettings struct {
	Enabled  bool   `yaml:"enabled"`
	TopicARN string `yaml:"topic_arn"`
}

// SQSSettings represents the SQS approver channel
type SQSSettings struct {
	Enabled  bool   `yaml:"enabled"`
	QueueURL string `yaml:"queue_url"`
}

// AuditSettings represents audit sink settings
type AuditSettings struct {
	Directory string `yaml:"directory"`
	Log       bool   `yaml:"log"`
}

// TracingSettings configures OpenTelemetry span export
type TracingSettings struct {
	Exporter    string  `yaml:"exporter"` // none, stdout, otlp, otlp-http
	Endpoint    string  `yaml:"endpoint,omitempty"`
	Insecure    bool    `yaml:"insecure,omitempty"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

var validBackends = []string{"memory", "sqlite", "postgres", "dynamodb", "redis"}

var validExporters = []string{"none", "stdout", "otlp", "otlp-http"}

// Manager manages configuration with hot reload capability
type Manager struct {
	config     *Config
	configPath string
	mu         sync.RWMutex
	watcher    *fsnotify.Watcher
	callbacks  []func(*Config)
	stopCh     chan struct{}
	stopOnce   sync.Once
	logger     zerolog.Logger
}

// NewManager creates a new configuration manager. A missing file yields the
// default configuration; hot reload is only enabled when the file exists.
func NewManager(configPath string) (*Manager, error) {
	configPath = expandPath(configPath)

	m := &Manager{
		configPath: configPath,
		callbacks:  []func(*Config){},
		stopCh:     make(chan struct{}),
		logger:     zerolog.Nop(),
	}

	if err := m.Load(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return m, nil
	}

	m.watcher = watcher

	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		m.watcher = nil
		return m, nil
	}

	go m.watchChanges()

	return m, nil
}

// SetLogger sets the logger used for reload messages.
func (m *Manager) SetLogger(l zerolog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = l
}

// Load loads or reloads the configuration from file
func (m *Manager) Load() error {
	var cfg *Config

	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		cfg = DefaultConfig()
	} else {
		data, err := os.ReadFile(m.configPath)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}

		cfg = &Config{}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Save writes the current configuration back to file
func (m *Manager) Save() error {
	m.mu.RLock()
	data, err := yaml.Marshal(m.config)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// OnChange registers a callback for configuration changes
func (m *Manager) OnChange(callback func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// Reload re-reads the file and notifies callbacks on success.
func (m *Manager) Reload() error {
	if err := m.Load(); err != nil {
		return err
	}

	m.mu.RLock()
	cfg := m.config
	callbacks := append([]func(*Config){}, m.callbacks...)
	m.mu.RUnlock()

	for _, callback := range callbacks {
		callback(cfg)
	}
	return nil
}

func (m *Manager) watchChanges() {
	defer m.watcher.Close()

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				m.mu.RLock()
				log := m.logger
				m.mu.RUnlock()

				log.Info().Str("path", m.configPath).Msg("configuration file changed, reloading")
				if err := m.Reload(); err != nil {
					log.Error().Err(err).Msg("failed to reload configuration")
				}
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.mu.RLock()
			log := m.logger
			m.mu.RUnlock()
			log.Warn().Err(err).Msg("configuration watcher error")

		case <-m.stopCh:
			return
		}
	}
}

// Stop stops the configuration manager
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingSettings{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Server: ServerSettings{
			Addr:         ":8080",
			ReadTimeout:  "15s",
			WriteTimeout: "60s",
		},
		AWS: AWSSettings{
			Region:                "us-east-1",
			MaxMutationsPerSecond: 5,
			Burst:                 2,
		},
		Store: StoreSettings{
			Backend:   "sqlite",
			Path:      "~/.remediator/remediator.db",
			Table:     "remediation_jobs",
			KeyPrefix: "remediator",
		},
		Safety: SafetySettings{
			ProductionMarkers: []string{"prod", "production", "prd"},
			CriticalTagKeys:   []string{"Environment", "Criticality"},
			CriticalTagValues: []string{"production", "prod", "critical"},
			BusinessHours: BusinessHoursSettings{
				StartHour: 9,
				EndHour:   17,
				Weekdays:  []string{"Mon", "Tue", "Wed", "Thu", "Fri"},
				Timezone:  "UTC",
			},
			CheckTimeout: "10s",
		},
		Approval: ApprovalSettings{
			GatedResourceTypes:    []string{"identity-role", "identity-policy", "network-ingress-group", "virtual-network"},
			GatedRemediationTypes: []string{"delete-resource", "modify-permissions", "change-encryption"},
			TimeoutHours:          24,
			EscalationHours:       4,
		},
		Audit: AuditSettings{
			Directory: "~/.remediator/audit",
			Log:       true,
		},
		Tracing: TracingSettings{
			Exporter:    "none",
			SampleRatio: 1.0,
		},
	}
}

// applyDefaults fills missing fields from DefaultConfig
func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = defaults.Logging.Output
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaults.Server.Addr
	}
	if cfg.Server.ReadTimeout == "" {
		cfg.Server.ReadTimeout = defaults.Server.ReadTimeout
	}
	if cfg.Server.WriteTimeout == "" {
		cfg.Server.WriteTimeout = defaults.Server.WriteTimeout
	}

	if cfg.AWS.Region == "" {
		cfg.AWS.Region = defaults.AWS.Region
	}
	if cfg.AWS.MaxMutationsPerSecond == 0 {
		cfg.AWS.MaxMutationsPerSecond = defaults.AWS.MaxMutationsPerSecond
	}
	if cfg.AWS.Burst == 0 {
		cfg.AWS.Burst = defaults.AWS.Burst
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = defaults.Store.Backend
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = defaults.Store.Path
	}
	if cfg.Store.Table == "" {
		cfg.Store.Table = defaults.Store.Table
	}
	if cfg.Store.KeyPrefix == "" {
		cfg.Store.KeyPrefix = defaults.Store.KeyPrefix
	}

	if len(cfg.Safety.ProductionMarkers) == 0 {
		cfg.Safety.ProductionMarkers = defaults.Safety.ProductionMarkers
	}
	if len(cfg.Safety.CriticalTagKeys) == 0 {
		cfg.Safety.CriticalTagKeys = defaults.Safety.CriticalTagKeys
	}
	if len(cfg.Safety.CriticalTagValues) == 0 {
		cfg.Safety.CriticalTagValues = defaults.Safety.CriticalTagValues
	}
	if cfg.Safety.BusinessHours.StartHour == 0 && cfg.Safety.BusinessHours.EndHour == 0 {
		cfg.Safety.BusinessHours.StartHour = defaults.Safety.BusinessHours.StartHour
		cfg.Safety.BusinessHours.EndHour = defaults.Safety.BusinessHours.EndHour
	}
	if len(cfg.Safety.BusinessHours.Weekdays) == 0 {
		cfg.Safety.BusinessHours.Weekdays = defaults.Safety.BusinessHours.Weekdays
	}
	if cfg.Safety.BusinessHours.Timezone == "" {
		cfg.Safety.BusinessHours.Timezone = defaults.Safety.BusinessHours.Timezone
	}
	if cfg.Safety.CheckTimeout == "" {
		cfg.Safety.CheckTimeout = defaults.Safety.CheckTimeout
	}

	if cfg.Approval.GatedResourceTypes == nil {
		cfg.Approval.GatedResourceTypes = defaults.Approval.GatedResourceTypes
	}
	if cfg.Approval.GatedRemediationTypes == nil {
		cfg.Approval.GatedRemediationTypes = defaults.Approval.GatedRemediationTypes
	}
	if cfg.Approval.TimeoutHours == 0 {
		cfg.Approval.TimeoutHours = defaults.Approval.TimeoutHours
	}
	if cfg.Approval.EscalationHours == 0 {
		cfg.Approval.EscalationHours = defaults.Approval.EscalationHours
	}

	if cfg.Notifications.Email.SMTPPort == 0 {
		cfg.Notifications.Email.SMTPPort = 587
	}

	if cfg.Audit.Directory == "" {
		cfg.Audit.Directory = defaults.Audit.Directory
	}

	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = defaults.Tracing.Exporter
	}
	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = defaults.Tracing.SampleRatio
	}
}

// Validate validates the configuration
func Validate(cfg *Config) error {
	valid := false
	for _, b := range validBackends {
		if cfg.Store.Backend == b {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid store backend: %s", cfg.Store.Backend)
	}

	if cfg.Store.Backend == "postgres" && cfg.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for the postgres backend")
	}
	if cfg.Store.Backend == "redis" && cfg.Store.Addr == "" {
		return fmt.Errorf("store.addr is required for the redis backend")
	}

	if cfg.AWS.MaxMutationsPerSecond <= 0 {
		return fmt.Errorf("aws.max_mutations_per_second must be positive")
	}

	bh := cfg.Safety.BusinessHours
	if bh.StartHour < 0 || bh.EndHour > 24 || bh.StartHour >= bh.EndHour {
		return fmt.Errorf("safety.business_hours must satisfy 0 <= start_hour < end_hour <= 24")
	}
	for _, d := range bh.Weekdays {
		if _, ok := ParseWeekday(d); !ok {
			return fmt.Errorf("invalid weekday in safety.business_hours: %s", d)
		}
	}
	if _, err := time.LoadLocation(bh.Timezone); err != nil {
		return fmt.Errorf("invalid safety.business_hours.timezone: %v", err)
	}

	if _, err := time.ParseDuration(cfg.Safety.CheckTimeout); err != nil {
		return fmt.Errorf("invalid safety.check_timeout: %v", err)
	}
	if _, err := time.ParseDuration(cfg.Server.ReadTimeout); err != nil {
		return fmt.Errorf("invalid server.read_timeout: %v", err)
	}
	if _, err := time.ParseDuration(cfg.Server.WriteTimeout); err != nil {
		return fmt.Errorf("invalid server.write_timeout: %v", err)
	}

	if cfg.Approval.TimeoutHours < 0 || cfg.Approval.EscalationHours < 0 {
		return fmt.Errorf("approval hours must not be negative")
	}

	if cfg.Notifications.Email.Enabled && (cfg.Notifications.Email.SMTPHost == "" || len(cfg.Notifications.Email.To) == 0) {
		return fmt.Errorf("notifications.email requires smtp_host and at least one recipient")
	}
	if cfg.Notifications.SNS.Enabled && cfg.Notifications.SNS.TopicARN == "" {
		return fmt.Errorf("notifications.sns requires topic_arn")
	}
	if cfg.Notifications.SQS.Enabled && cfg.Notifications.SQS.QueueURL == "" {
		return fmt.Errorf("notifications.sqs requires queue_url")
	}

	if !slices.Contains(validExporters, cfg.Tracing.Exporter) {
		return fmt.Errorf("invalid tracing exporter: %s", cfg.Tracing.Exporter)
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}

	return nil
}

// applyEnvironmentOverrides applies REMEDIATOR_* environment variables
func applyEnvironmentOverrides(cfg *Config) {
	if v := os.Getenv("REMEDIATOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("REMEDIATOR_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("REMEDIATOR_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}

	if v := os.Getenv("REMEDIATOR_AWS_REGION"); v != "" {
		cfg.AWS.Region = v
	}
	if v := os.Getenv("AWS_PROFILE"); v != "" {
		cfg.AWS.Profile = v
	}
	if v := os.Getenv("REMEDIATOR_MAX_MUTATIONS_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.AWS.MaxMutationsPerSecond = f
		}
	}

	if v := os.Getenv("REMEDIATOR_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("REMEDIATOR_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("REMEDIATOR_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("REMEDIATOR_STORE_TABLE"); v != "" {
		cfg.Store.Table = v
	}
	if v := os.Getenv("REMEDIATOR_REDIS_ADDR"); v != "" {
		cfg.Store.Addr = v
	}
	if v := os.Getenv("REMEDIATOR_REDIS_PASSWORD"); v != "" {
		cfg.Store.Password = v
	}

	if v := os.Getenv("REMEDIATOR_PRODUCTION_MARKERS"); v != "" {
		cfg.Safety.ProductionMarkers = splitList(v)
	}

	if v := os.Getenv("REMEDIATOR_SMTP_HOST"); v != "" {
		cfg.Notifications.Email.SMTPHost = v
		cfg.Notifications.Email.Enabled = true
	}
	if v := os.Getenv("REMEDIATOR_SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Notifications.Email.SMTPPort = port
		}
	}
	if v := os.Getenv("REMEDIATOR_SMTP_PASSWORD"); v != "" {
		cfg.Notifications.Email.Password = v
	}
	if v := os.Getenv("REMEDIATOR_WEBHOOKS"); v != "" {
		cfg.Notifications.Webhooks = splitList(v)
	}
	if v := os.Getenv("REMEDIATOR_SNS_TOPIC_ARN"); v != "" {
		cfg.Notifications.SNS.TopicARN = v
		cfg.Notifications.SNS.Enabled = true
	}
	if v := os.Getenv("REMEDIATOR_SQS_QUEUE_URL"); v != "" {
		cfg.Notifications.SQS.QueueURL = v
		cfg.Notifications.SQS.Enabled = true
	}

	if v := os.Getenv("REMEDIATOR_AUDIT_DIR"); v != "" {
		cfg.Audit.Directory = v
	}

	if v := os.Getenv("REMEDIATOR_TRACING_EXPORTER"); v != "" {
		cfg.Tracing.Exporter = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
}

// ParseWeekday accepts short or long English weekday names.
func ParseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		long := strings.ToLower(d.String())
		if s == long || s == long[:3] {
			return d, true
		}
	}
	return 0, false
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ExpandPath expands a leading ~ to the home directory.
func ExpandPath(path string) string {
	return expandPath(path)
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
