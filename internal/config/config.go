// Package config loads the server configuration: listen address, log
// settings, and per-repository policy (platform, credentials, enabled jobs,
// trusted auto-merge identities).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration file.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	// WebhookURL is the externally reachable base URL of this server, used
	// for webhook self-registration and as the target URL of CI logs.
	WebhookURL   string                `yaml:"webhook_url"`
	LogLevel     string                `yaml:"log_level"`
	LogDir       string                `yaml:"log_dir"`
	Repositories map[string]Repository `yaml:"repositories"`
}

// Repository configures one watched repository. The map key in Config is an
// arbitrary identifier; webhook deliveries are routed by Name.
type Repository struct {
	// Name is the full name as it appears in webhook payloads, e.g.
	// "acme/widget".
	Name     string `yaml:"name"`
	Platform string `yaml:"platform"` // "github" (default) or "gitlab"

	Token         string   `yaml:"token"`
	WebhookSecret string   `yaml:"webhook_secret"`
	App           *AppAuth `yaml:"app"`

	// VerifiedJob enables the human-verification gate; defaults to true.
	VerifiedJob *bool `yaml:"verified_job"`
	// Tox enables the test-run job: "all" or a comma-separated env list.
	Tox string `yaml:"tox"`

	Container *Container `yaml:"container"`
	Pypi      *Publish   `yaml:"pypi"`

	SlackWebhookURL string `yaml:"slack_webhook_url"`

	// AutoMergeUsers are change-request authors whose requests merge
	// automatically once they become eligible. The bot's own login is always
	// implicitly trusted.
	AutoMergeUsers []string `yaml:"auto_merge_users"`

	// GitLab-only settings.
	GitLabBaseURL   string `yaml:"gitlab_base_url"`
	GitLabProjectID int    `yaml:"gitlab_project_id"`
}

// AppAuth holds GitHub App authentication parameters, an alternative to a
// personal access token.
type AppAuth struct {
	ClientID       string `yaml:"client_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// Container configures image build and push.
type Container struct {
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	Repository string   `yaml:"repository"`
	Dockerfile string   `yaml:"dockerfile"`
	Tag        string   `yaml:"tag"`
	BuildArgs  []string `yaml:"build-args"`
}

// Publish configures module publishing on tag pushes.
type Publish struct {
	Tool  string `yaml:"tool"` // "twine" or "poetry"
	Token string `yaml:"token"`
}

// Verified reports whether the verification gate is enabled (default true).
func (r Repository) Verified() bool {
	return r.VerifiedJob == nil || *r.VerifiedJob
}

// IsGitLab reports whether the repository lives on GitLab.
func (r Repository) IsGitLab() bool {
	return r.Platform == "gitlab"
}

// Owner returns the owner part of the full name, or empty when malformed.
func (r Repository) Owner() string {
	owner, _, _ := splitFullName(r.Name)
	return owner
}

// Repo returns the repository part of the full name.
func (r Repository) Repo() string {
	_, repo, _ := splitFullName(r.Name)
	return repo
}

func splitFullName(full string) (owner, repo string, ok bool) {
	for i := range len(full) {
		if full[i] == '/' {
			if i == 0 || i == len(full)-1 {
				return "", "", false
			}
			return full[:i], full[i+1:], true
		}
	}
	return "", "", false
}

// DefaultPath returns the config file path, honoring MERGEGATE_CONFIG.
func DefaultPath() string {
	if p := os.Getenv("MERGEGATE_CONFIG"); p != "" {
		return p
	}
	return filepath.Join("/config", "config.yaml")
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(os.TempDir(), "mergegate-logs")
	}

	for key, repo := range cfg.Repositories {
		if repo.Name == "" {
			return nil, fmt.Errorf("repository %q: name is required", key)
		}
		if !repo.IsGitLab() {
			if _, _, ok := splitFullName(repo.Name); !ok {
				return nil, fmt.Errorf("repository %q: name must be owner/repo", key)
			}
		}
		if repo.Token == "" && repo.App == nil {
			return nil, fmt.Errorf("repository %q: token or app auth is required", key)
		}
		if repo.App != nil {
			if err := validateApp(repo.App); err != nil {
				return nil, fmt.Errorf("repository %q: %w", key, err)
			}
		}
	}

	return &cfg, nil
}

func validateApp(a *AppAuth) error {
	var missing []string
	if a.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if a.InstallationID == 0 {
		missing = append(missing, "installation_id")
	}
	if a.PrivateKeyPath == "" {
		missing = append(missing, "private_key_path")
	}
	if len(missing) > 0 {
		return fmt.Errorf("incomplete app auth, missing: %v", missing)
	}
	return nil
}
