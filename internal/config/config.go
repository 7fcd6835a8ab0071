package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend selects the version-control implementation
type Backend string

const (
	BackendShell Backend = "shell"
	BackendGoGit Backend = "gogit"
)

// RemoteKind selects the transport used to reach the deployment target
type RemoteKind string

const (
	RemoteFTP RemoteKind = "ftp"
	RemoteDir RemoteKind = "dir"
)

// TLSMode configures FTP encryption
type TLSMode string

const (
	TLSNone     TLSMode = "none"
	TLSExplicit TLSMode = "explicit"
	TLSImplicit TLSMode = "implicit"
)

const (
	DefaultRevisionFile    = ".REVISION"
	DefaultEachLimit       = 10
	DefaultRevisionRetries = 3
	DefaultFTPPort         = 21
	DefaultFTPTimeout      = 30 * time.Second
	DefaultWatchDebounce   = 2 * time.Second
)

// Config represents the complete ftpsyncd configuration
type Config struct {
	Repo   RepoConfig   `yaml:"repo"`
	Remote RemoteConfig `yaml:"remote"`
	FTP    FTPConfig    `yaml:"ftp"`
	Sync   SyncConfig   `yaml:"sync"`
	Serve  ServeConfig  `yaml:"serve"`
	Watch  WatchConfig  `yaml:"watch"`
}

// RepoConfig configures the local git working tree
type RepoConfig struct {
	Dir       string  `yaml:"dir"`
	LocalPath string  `yaml:"local_path"`
	Backend   Backend `yaml:"backend"`
}

// RemoteConfig configures the deployment target
type RemoteConfig struct {
	Kind         RemoteKind `yaml:"kind"`
	Path         string     `yaml:"path"`
	RevisionFile string     `yaml:"revision_file"`
}

// FTPConfig configures the FTP connection
type FTPConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	PasswordFile       string        `yaml:"password_file"`
	TLS                TLSMode       `yaml:"tls"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Timeout            time.Duration `yaml:"timeout"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	EachLimit       int  `yaml:"each_limit"`
	StrictRevision  bool `yaml:"strict_revision"`
	RevisionRetries int  `yaml:"revision_retries"`
	FailOnError     bool `yaml:"fail_on_error"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs"`
	Pull                    bool     `yaml:"pull"`
}

// WatchConfig configures the repository watcher
type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	configPath = os.ExpandEnv(configPath)

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
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
	c.Repo.Dir = os.ExpandEnv(c.Repo.Dir)
	c.Repo.LocalPath = os.ExpandEnv(c.Repo.LocalPath)
	c.Remote.Path = os.ExpandEnv(c.Remote.Path)
	c.Remote.RevisionFile = os.ExpandEnv(c.Remote.RevisionFile)
	c.FTP.Host = os.ExpandEnv(c.FTP.Host)
	c.FTP.Username = os.ExpandEnv(c.FTP.Username)
	c.FTP.Password = os.ExpandEnv(c.FTP.Password)
	c.FTP.PasswordFile = os.ExpandEnv(c.FTP.PasswordFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Repo.Dir == "" {
		c.Repo.Dir = "."
	}
	if c.Repo.Backend == "" {
		c.Repo.Backend = BackendShell
	}
	if c.Remote.Kind == "" {
		c.Remote.Kind = RemoteFTP
	}
	if c.Remote.RevisionFile == "" {
		c.Remote.RevisionFile = DefaultRevisionFile
	}
	if c.FTP.Port == 0 {
		c.FTP.Port = DefaultFTPPort
	}
	if c.FTP.TLS == "" {
		c.FTP.TLS = TLSNone
	}
	if c.FTP.Timeout == 0 {
		c.FTP.Timeout = DefaultFTPTimeout
	}
	if c.Sync.EachLimit == 0 {
		c.Sync.EachLimit = DefaultEachLimit
	}
	if c.Sync.RevisionRetries == 0 {
		c.Sync.RevisionRetries = DefaultRevisionRetries
	}
	if c.Watch.Debounce == 0 {
		c.Watch.Debounce = DefaultWatchDebounce
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Remote.Path == "" {
		return fmt.Errorf("remote.path is required")
	}

	switch c.Repo.Backend {
	case BackendShell, BackendGoGit:
		// valid
	default:
		return fmt.Errorf("invalid repo.backend: %s (must be shell or gogit)", c.Repo.Backend)
	}

	if filepath.IsAbs(c.Repo.LocalPath) {
		return fmt.Errorf("repo.local_path must be relative to repo.dir: %s", c.Repo.LocalPath)
	}
	if strings.HasPrefix(filepath.Clean(c.Repo.LocalPath), "..") {
		return fmt.Errorf("repo.local_path must not leave repo.dir: %s", c.Repo.LocalPath)
	}

	if strings.ContainsAny(c.Remote.RevisionFile, `/\`) {
		return fmt.Errorf("remote.revision_file must be a plain file name: %s", c.Remote.RevisionFile)
	}

	switch c.Remote.Kind {
	case RemoteFTP:
		if err := c.FTP.validate(); err != nil {
			return err
		}
	case RemoteDir:
		if !filepath.IsAbs(c.Remote.Path) {
			return fmt.Errorf("remote.path must be an absolute path for kind dir: %s", c.Remote.Path)
		}
	default:
		return fmt.Errorf("invalid remote.kind: %s (must be ftp or dir)", c.Remote.Kind)
	}

	if c.Sync.EachLimit < 1 {
		return fmt.Errorf("sync.each_limit must be at least 1, got %d", c.Sync.EachLimit)
	}
	if c.Sync.RevisionRetries < 1 {
		return fmt.Errorf("sync.revision_retries must be at least 1, got %d", c.Sync.RevisionRetries)
	}

	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.GitHubWebhookSecretFile == "" {
			return fmt.Errorf("serve.github_webhook_secret_file is required when serve is enabled")
		}
	}

	return nil
}

func (f *FTPConfig) validate() error {
	if f.Host == "" {
		return fmt.Errorf("ftp.host is required")
	}
	if f.Username == "" {
		return fmt.Errorf("ftp.username is required")
	}
	if f.Password == "" && f.PasswordFile == "" {
		return fmt.Errorf("ftp.password is required")
	}
	if f.Password != "" && f.PasswordFile != "" {
		return fmt.Errorf("ftp: only one of password or password_file may be set")
	}
	if f.Port < 1 || f.Port > 65535 {
		return fmt.Errorf("ftp.port out of range: %d", f.Port)
	}

	switch f.TLS {
	case TLSNone, TLSExplicit, TLSImplicit:
		// valid
	default:
		return fmt.Errorf("invalid ftp.tls mode: %s (must be none, explicit, or implicit)", f.TLS)
	}

	return nil
}

// Addr returns the host:port address of the FTP server
func (f *FTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", f.Host, f.Port)
}

// ResolvePassword returns the inline password or the trimmed content of password_file
func (f *FTPConfig) ResolvePassword() (string, error) {
	if f.PasswordFile == "" {
		return f.Password, nil
	}

	data, err := os.ReadFile(f.PasswordFile)
	if err != nil {
		return "", fmt.Errorf("failed to read ftp password file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// RepoDir returns the absolute path of the working tree
func (c *Config) RepoDir() string {
	dir, err := filepath.Abs(c.Repo.Dir)
	if err != nil {
		return c.Repo.Dir
	}
	return dir
}

// LocalPath returns the deployed subdirectory in slash form, "" for the repo root
func (c *Config) LocalPath() string {
	p := filepath.ToSlash(filepath.Clean(c.Repo.LocalPath))
	if p == "." {
		return ""
	}
	return p
}

// RevisionFilePath returns the remote path of the revision marker file
func (c *Config) RevisionFilePath() string {
	return path.Join(c.Remote.Path, c.Remote.RevisionFile)
}
