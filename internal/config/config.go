package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no --config flag is given. Its absence is not an
// error; built-in defaults apply.
const DefaultPath = "/etc/rdp2fa/config.yaml"

// Config represents the complete rdp2fa configuration
type Config struct {
	Paths    PathsConfig    `yaml:"paths"`
	Packages []string       `yaml:"packages"`
	Services ServicesConfig `yaml:"services"`
	Tools    ToolsConfig    `yaml:"tools"`
}

// PathsConfig configures the managed files and the private state directory
type PathsConfig struct {
	StateDir    string `yaml:"state_dir"`
	PAMFile     string `yaml:"pam_file"`
	StartWMFile string `yaml:"startwm_file"`
	// SessionFile is relative to the target user's home directory.
	SessionFile string `yaml:"session_file"`
}

// ServicesConfig configures which units are enabled and restarted
type ServicesConfig struct {
	Enable  []string `yaml:"enable"`
	Restart []string `yaml:"restart"`
}

// ToolsConfig overrides the collaborator binaries (empty means PATH lookup)
type ToolsConfig struct {
	AptGet    string `yaml:"apt_get"`
	Systemctl string `yaml:"systemctl"`
}

// Default returns the built-in configuration for Debian/Ubuntu hosts.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			StateDir:    "/var/lib/rdp2fa",
			PAMFile:     "/etc/pam.d/xrdp-sesman",
			StartWMFile: "/etc/xrdp/startwm.sh",
			SessionFile: ".xsession",
		},
		Packages: []string{"xrdp", "xfce4", "xfce4-goodies", "libpam-google-authenticator"},
		Services: ServicesConfig{
			Enable:  []string{"xrdp"},
			Restart: []string{"xrdp", "xrdp-sesman"},
		},
	}
}

// Load reads and parses the configuration file, layering it over Default.
// When optional is true a missing file yields the defaults.
func Load(path string, optional bool) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case optional && os.IsNotExist(err):
		// defaults only
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in string fields
	cfg.expandEnv()

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Paths.PAMFile = os.ExpandEnv(c.Paths.PAMFile)
	c.Paths.StartWMFile = os.ExpandEnv(c.Paths.StartWMFile)
	c.Paths.SessionFile = os.ExpandEnv(c.Paths.SessionFile)
	c.Tools.AptGet = os.ExpandEnv(c.Tools.AptGet)
	c.Tools.Systemctl = os.ExpandEnv(c.Tools.Systemctl)
}

// applyDefaults fills in zero-value fields a partial config file left empty.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = def.Paths.StateDir
	}
	if c.Paths.PAMFile == "" {
		c.Paths.PAMFile = def.Paths.PAMFile
	}
	if c.Paths.StartWMFile == "" {
		c.Paths.StartWMFile = def.Paths.StartWMFile
	}
	if c.Paths.SessionFile == "" {
		c.Paths.SessionFile = def.Paths.SessionFile
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Ensure system paths are absolute
	for name, p := range map[string]string{
		"paths.state_dir":    c.Paths.StateDir,
		"paths.pam_file":     c.Paths.PAMFile,
		"paths.startwm_file": c.Paths.StartWMFile,
	} {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("%s must be an absolute path: %s", name, p)
		}
	}

	// The session file lives inside the user's home
	if filepath.IsAbs(c.Paths.SessionFile) {
		return fmt.Errorf("paths.session_file must be relative to the user's home: %s", c.Paths.SessionFile)
	}
	clean := filepath.Clean(c.Paths.SessionFile)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("paths.session_file must stay inside the user's home: %s", c.Paths.SessionFile)
	}

	// Backups and state must not live beside the files they protect
	for _, p := range []string{c.Paths.PAMFile, c.Paths.StartWMFile} {
		if within(c.Paths.StateDir, p) {
			return fmt.Errorf("managed file %s must not be inside paths.state_dir", p)
		}
	}

	if len(c.Packages) == 0 {
		return fmt.Errorf("packages must list at least one package")
	}
	for _, list := range [][]string{c.Packages, c.Services.Enable, c.Services.Restart} {
		for _, name := range list {
			if name == "" || strings.ContainsAny(name, " \t\r\n") {
				return fmt.Errorf("invalid package or unit name %q", name)
			}
		}
	}

	return nil
}

// within reports whether path is dir or inside it.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, "../"))
}

// BackupDir returns the root of the backup tree
func (c *Config) BackupDir() string {
	return filepath.Join(c.Paths.StateDir, "backups")
}

// StateFilePath returns the path to the install state record
func (c *Config) StateFilePath() string {
	return filepath.Join(c.Paths.StateDir, "state")
}

// LockFilePath returns the path of the exclusivity lock
func (c *Config) LockFilePath() string {
	return filepath.Join(c.Paths.StateDir, "lock")
}

// SessionFileFor returns the absolute session file path inside home
func (c *Config) SessionFileFor(home string) string {
	return filepath.Join(home, c.Paths.SessionFile)
}
