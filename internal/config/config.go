package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// RestartPolicy defines when managed services are restarted after an update
type RestartPolicy string

const (
	// RestartNone never restarts services
	RestartNone RestartPolicy = "none"
	// RestartChanged restarts only when local modifications were stashed
	RestartChanged RestartPolicy = "changed"
	// RestartAlways restarts after every applied transaction
	RestartAlways RestartPolicy = "always"
)

// ServiceScope selects the systemd instance that owns the managed units
type ServiceScope string

const (
	ScopeSystem ServiceScope = "system"
	ScopeUser   ServiceScope = "user"
)

// Config represents the complete selfupdated configuration
type Config struct {
	Repo         RepoConfig         `yaml:"repo" toml:"repo"`
	Paths        PathsConfig        `yaml:"paths" toml:"paths"`
	Update       UpdateConfig       `yaml:"update" toml:"update"`
	Services     ServicesConfig     `yaml:"services" toml:"services"`
	Dependencies DependenciesConfig `yaml:"dependencies" toml:"dependencies"`
	Notify       NotifyConfig       `yaml:"notify" toml:"notify"`
	Auth         AuthConfig         `yaml:"auth" toml:"auth"`
	Serve        ServeConfig        `yaml:"serve" toml:"serve"`
}

// RepoConfig configures the managed working copy and its remote
type RepoConfig struct {
	Path             string   `yaml:"path" toml:"path"`
	URL              string   `yaml:"url" toml:"url"`
	Remote           string   `yaml:"remote" toml:"remote"`
	Branch           string   `yaml:"branch" toml:"branch"`
	FallbackBranches []string `yaml:"fallback_branches" toml:"fallback_branches"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	BackupDir string `yaml:"backup_dir" toml:"backup_dir"`
}

// UpdateConfig configures polling and reconciliation behavior
type UpdateConfig struct {
	PollInterval     Duration        `yaml:"poll_interval" toml:"poll_interval"`
	MinFetchInterval Duration        `yaml:"min_fetch_interval" toml:"min_fetch_interval"`
	ErrorBackoff     Duration        `yaml:"error_backoff" toml:"error_backoff"`
	AutoApply        bool            `yaml:"auto_apply" toml:"auto_apply"`
	Restart          RestartPolicy   `yaml:"restart" toml:"restart"`
	ManagedFiles     []string        `yaml:"managed_files" toml:"managed_files"`
	BackupRequired   bool            `yaml:"backup_required" toml:"backup_required"`
	BackupRetention  RetentionConfig `yaml:"backup_retention" toml:"backup_retention"`
	// FileModes maps glob patterns relative to repo.path to the permission
	// bits enforced after every update and at startup
	FileModes map[string]FileMode `yaml:"file_modes" toml:"file_modes"`
}

// RetentionConfig bounds how many backup snapshots are kept per file
type RetentionConfig struct {
	MaxCount int      `yaml:"max_count" toml:"max_count"`
	MaxAge   Duration `yaml:"max_age" toml:"max_age"`
}

// ServicesConfig lists the units restarted after an update
type ServicesConfig struct {
	Scope ServiceScope    `yaml:"scope" toml:"scope"`
	Units []ServiceConfig `yaml:"units" toml:"units"`
}

// ServiceConfig describes one managed unit
type ServiceConfig struct {
	Name       string `yaml:"name" toml:"name"`
	StopOrder  int    `yaml:"stop_order" toml:"stop_order"`
	StartOrder int    `yaml:"start_order" toml:"start_order"`
	Self       bool   `yaml:"self" toml:"self"`
}

// DependenciesConfig configures dependency installation on manifest changes
type DependenciesConfig struct {
	Manifests      []string `yaml:"manifests" toml:"manifests"`
	InstallCommand []string `yaml:"install_command" toml:"install_command"`
	Timeout        Duration `yaml:"timeout" toml:"timeout"`
}

// NotifyConfig configures the outbound notification channel
type NotifyConfig struct {
	URL        string   `yaml:"url" toml:"url"`
	SecretFile string   `yaml:"secret_file" toml:"secret_file"`
	Timeout    Duration `yaml:"timeout" toml:"timeout"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file" toml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file" toml:"https_token_file"`
}

// ServeConfig configures the inbound webhook server
type ServeConfig struct {
	ListenAddr        string   `yaml:"listen_addr" toml:"listen_addr"`
	SecretFile        string   `yaml:"secret_file" toml:"secret_file"`
	AllowedEventTypes []string `yaml:"allowed_event_types" toml:"allowed_event_types"`
	AllowedRefs       []string `yaml:"allowed_refs" toml:"allowed_refs"`
}

// Duration is a time.Duration written as a Go duration string ("5m", "90s")
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// FileMode is a permission mode written in octal ("0600", "755", "0o640")
type FileMode os.FileMode

// UnmarshalText implements encoding.TextUnmarshaler
func (m *FileMode) UnmarshalText(text []byte) error {
	s := strings.TrimPrefix(strings.TrimSpace(string(text)), "0o")
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil || v > 0o777 {
		return fmt.Errorf("invalid file mode %q: want octal permission bits such as 0644", string(text))
	}
	*m = FileMode(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (m FileMode) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%04o", uint32(m))), nil
}

// Perm returns the mode as os.FileMode permission bits
func (m FileMode) Perm() os.FileMode {
	return os.FileMode(m).Perm()
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file. Files ending in .toml are
// parsed as TOML, everything else as YAML. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data, formatFor(path))
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Format identifies a configuration file syntax
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes, defaults and validates a configuration document
func Parse(data []byte, format Format) (*Config, error) {
	var cfg Config
	switch format {
	case FormatTOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		// An empty document decodes to io.EOF; Validate reports what is missing.
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Repo.Path = os.ExpandEnv(c.Repo.Path)
	c.Repo.URL = os.ExpandEnv(c.Repo.URL)
	c.Repo.Branch = os.ExpandEnv(c.Repo.Branch)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Paths.BackupDir = os.ExpandEnv(c.Paths.BackupDir)
	c.Notify.URL = os.ExpandEnv(c.Notify.URL)
	c.Notify.SecretFile = os.ExpandEnv(c.Notify.SecretFile)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.SecretFile = os.ExpandEnv(c.Serve.SecretFile)
	for i, cmd := range c.Dependencies.InstallCommand {
		c.Dependencies.InstallCommand[i] = os.ExpandEnv(cmd)
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Repo.Remote == "" {
		c.Repo.Remote = "origin"
	}
	if c.Repo.FallbackBranches == nil {
		c.Repo.FallbackBranches = []string{"main", "master"}
	}
	if c.Paths.BackupDir == "" && c.Repo.Path != "" {
		c.Paths.BackupDir = filepath.Join(c.Repo.Path, ".selfupdated", "backups")
	}
	if c.Update.PollInterval == 0 {
		c.Update.PollInterval = Duration(5 * time.Minute)
	}
	if c.Update.MinFetchInterval == 0 {
		c.Update.MinFetchInterval = Duration(time.Minute)
		if c.Update.MinFetchInterval > c.Update.PollInterval {
			c.Update.MinFetchInterval = c.Update.PollInterval
		}
	}
	if c.Update.ErrorBackoff == 0 {
		c.Update.ErrorBackoff = Duration(time.Minute)
	}
	if c.Update.Restart == "" {
		c.Update.Restart = RestartChanged
	}
	if c.Update.BackupRetention.MaxCount == 0 {
		c.Update.BackupRetention.MaxCount = 10
	}
	if c.Update.BackupRetention.MaxAge == 0 {
		c.Update.BackupRetention.MaxAge = Duration(30 * 24 * time.Hour)
	}
	if c.Services.Scope == "" {
		c.Services.Scope = ScopeSystem
	}
	if c.Dependencies.Manifests == nil {
		c.Dependencies.Manifests = []string{"requirements.txt", "go.mod", "package.json"}
	}
	if c.Dependencies.Timeout == 0 {
		c.Dependencies.Timeout = Duration(10 * time.Minute)
	}
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = Duration(10 * time.Second)
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Repo.Path == "" {
		return fmt.Errorf("repo.path is required")
	}
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}

	// Ensure paths are absolute
	if !filepath.IsAbs(c.Repo.Path) {
		return fmt.Errorf("repo.path must be an absolute path: %s", c.Repo.Path)
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}
	if c.Paths.BackupDir != "" && !filepath.IsAbs(c.Paths.BackupDir) {
		return fmt.Errorf("paths.backup_dir must be an absolute path: %s", c.Paths.BackupDir)
	}

	if c.Update.PollInterval <= 0 {
		return fmt.Errorf("update.poll_interval must be positive")
	}
	if c.Update.MinFetchInterval < 0 {
		return fmt.Errorf("update.min_fetch_interval must not be negative")
	}
	if c.Update.MinFetchInterval > c.Update.PollInterval {
		return fmt.Errorf("update.min_fetch_interval (%s) must not exceed update.poll_interval (%s)",
			c.Update.MinFetchInterval.Std(), c.Update.PollInterval.Std())
	}
	if c.Update.ErrorBackoff <= 0 {
		return fmt.Errorf("update.error_backoff must be positive")
	}
	if c.Update.BackupRetention.MaxCount < 0 {
		return fmt.Errorf("update.backup_retention.max_count must not be negative")
	}

	switch c.Update.Restart {
	case RestartNone, RestartChanged, RestartAlways:
		// valid
	default:
		return fmt.Errorf("invalid update.restart policy: %s (must be none, changed, or always)", c.Update.Restart)
	}

	for _, pattern := range c.Update.ManagedFiles {
		if filepath.IsAbs(pattern) {
			return fmt.Errorf("update.managed_files entries must be relative to repo.path: %s", pattern)
		}
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("update.managed_files: bad pattern %q: %w", pattern, err)
		}
	}

	for pattern := range c.Update.FileModes {
		if filepath.IsAbs(pattern) || strings.HasPrefix(filepath.Clean(pattern), "..") {
			return fmt.Errorf("update.file_modes patterns must stay inside repo.path: %s", pattern)
		}
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("update.file_modes: bad pattern %q: %w", pattern, err)
		}
	}

	switch c.Services.Scope {
	case ScopeSystem, ScopeUser:
		// valid
	default:
		return fmt.Errorf("invalid services.scope: %s (must be system or user)", c.Services.Scope)
	}

	seen := make(map[string]bool)
	selfCount := 0
	for _, unit := range c.Services.Units {
		if unit.Name == "" {
			return fmt.Errorf("services.units: name is required")
		}
		if seen[unit.Name] {
			return fmt.Errorf("services.units: duplicate unit %s", unit.Name)
		}
		seen[unit.Name] = true
		if unit.Self {
			selfCount++
		}
	}
	if selfCount > 1 {
		return fmt.Errorf("services.units: at most one unit may be marked self")
	}

	if c.Dependencies.Timeout < 0 {
		return fmt.Errorf("dependencies.timeout must not be negative")
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	// Validate auth: when auth and a URL are configured, the URL scheme must match
	if c.Repo.URL != "" {
		if c.Auth.SSHKeyFile != "" && !c.IsSSH() {
			return fmt.Errorf("auth.ssh_key_file is set but repo.url does not use an SSH scheme (git@ or ssh://)")
		}
		if c.Auth.HTTPSTokenFile != "" && !c.IsHTTPS() {
			return fmt.Errorf("auth.https_token_file is set but repo.url does not use HTTPS scheme")
		}
	}

	return nil
}

// ValidateServe checks the settings required by the webhook server
func (c *Config) ValidateServe() error {
	if c.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr is required")
	}
	if c.Serve.SecretFile == "" {
		return fmt.Errorf("serve.secret_file is required")
	}
	return nil
}

// PendingFilePath returns the path of the pending-transaction mailbox
func (c *Config) PendingFilePath() string {
	return filepath.Join(c.Paths.StateDir, "pending.json")
}

// PendingLockPath returns the lock file guarding the mailbox
func (c *Config) PendingLockPath() string {
	return filepath.Join(c.Paths.StateDir, "pending.lock")
}

// JournalPath returns the path to the transaction history database
func (c *Config) JournalPath() string {
	return filepath.Join(c.Paths.StateDir, "journal.db")
}

// ReconcileLockPath returns the lock file serializing reconciliation
func (c *Config) ReconcileLockPath() string {
	return filepath.Join(c.Paths.StateDir, "reconcile.lock")
}

// BackupInsideRepo reports whether the backup directory lives in the working
// copy and must therefore be excluded from version control. The returned
// path is relative to the repository root.
func (c *Config) BackupInsideRepo() (string, bool) {
	rel, err := filepath.Rel(c.Repo.Path, c.Paths.BackupDir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the repo URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Repo.URL, "https://")
}

// IsSSH returns true if the repo URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Repo.URL, "git@") || strings.HasPrefix(c.Repo.URL, "ssh://")
}
