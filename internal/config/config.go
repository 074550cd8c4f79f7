// Package config resolves the settings shared by all commands: built-in
// defaults for system or per-user operation, overridden by an optional TOML
// file, overridden in turn by command line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/containerd/errdefs"
)

const appName = "flatpak-oci-tools"

const (
	DefaultRegistry     = "https://registry.opensuse.org"
	DefaultProject      = "home:yudaike:flatpak-oci-container"
	DefaultRegistryRepo = "images"
	DefaultOBSAPI       = "https://api.opensuse.org"
	DefaultJobs         = 4

	SystemRemote = "oci-tools"
	UserRemote   = "oci-tools-user"

	SystemConfigPath = "/etc/" + appName + "/config.toml"
)

type Config struct {
	// User selects per-user paths and the per-user flatpak installation.
	User bool `toml:"-"`

	CacheDir     string `toml:"cache_dir"`
	RepoDir      string `toml:"repo_dir"`
	StateDir     string `toml:"state_dir"`
	TmpDir       string `toml:"tmp_dir"`
	RemoteName   string `toml:"remote_name"`
	Registry     string `toml:"registry"`
	Project      string `toml:"project"`
	RegistryRepo string `toml:"registry_repo"`
	Jobs         int    `toml:"jobs"`
	OBSAPI       string `toml:"obs_api"`
}

// Defaults returns the built-in configuration.
func Defaults(user bool) (*Config, error) {
	cfg := &Config{
		User:         user,
		TmpDir:       "/var/tmp",
		Registry:     DefaultRegistry,
		Project:      DefaultProject,
		RegistryRepo: DefaultRegistryRepo,
		Jobs:         DefaultJobs,
		OBSAPI:       DefaultOBSAPI,
	}

	if !user {
		cfg.CacheDir = "/var/cache/" + appName
		cfg.RepoDir = "/var/lib/" + appName + "/repo"
		cfg.StateDir = "/var/lib/" + appName
		cfg.RemoteName = SystemRemote
		return cfg, nil
	}

	cache, err := xdgDir("XDG_CACHE_HOME", ".cache")
	if err != nil {
		return nil, err
	}
	data, err := xdgDir("XDG_DATA_HOME", ".local/share")
	if err != nil {
		return nil, err
	}
	state, err := xdgDir("XDG_STATE_HOME", ".local/state")
	if err != nil {
		return nil, err
	}

	cfg.CacheDir = filepath.Join(cache, appName)
	cfg.RepoDir = filepath.Join(data, appName, "repo")
	cfg.StateDir = filepath.Join(state, appName)
	cfg.RemoteName = UserRemote
	return cfg, nil
}

func xdgDir(env, fallback string) (string, error) {
	if dir := os.Getenv(env); filepath.IsAbs(dir) {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, fallback), nil
}

// DefaultPath is where the config file is looked up when none is given.
func DefaultPath(user bool) string {
	if !user {
		return SystemConfigPath
	}
	dir, err := xdgDir("XDG_CONFIG_HOME", ".config")
	if err != nil {
		return ""
	}
	return filepath.Join(dir, appName, "config.toml")
}

// Load applies the TOML file at path on top of the defaults. A missing file
// is only an error when required is set.
func Load(path string, user, required bool) (*Config, error) {
	cfg, err := Defaults(user)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return cfg, cfg.Validate()
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		// A non-existing config isn't an error, use defaults in this case.
		if !os.IsNotExist(err) || required {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		return cfg, cfg.Validate()
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config %s: unknown keys %s: %w", path, strings.Join(keys, ", "), errdefs.ErrInvalidArgument)
	}

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	var errs []error
	if c.Jobs < 1 {
		errs = append(errs, fmt.Errorf("jobs must be at least 1, got %d", c.Jobs))
	}
	for _, dir := range []struct{ key, value string }{
		{"cache_dir", c.CacheDir},
		{"repo_dir", c.RepoDir},
		{"state_dir", c.StateDir},
		{"tmp_dir", c.TmpDir},
	} {
		if !filepath.IsAbs(dir.value) {
			errs = append(errs, fmt.Errorf("%s must be an absolute path, got %q", dir.key, dir.value))
		}
	}
	for _, u := range []struct{ key, value string }{
		{"registry", c.Registry},
		{"obs_api", c.OBSAPI},
	} {
		parsed, err := url.Parse(u.value)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an http(s) URL, got %q", u.key, u.value))
		}
	}
	if c.RemoteName == "" {
		errs = append(errs, errors.New("remote_name must not be empty"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", errors.Join(errdefs.ErrInvalidArgument, err))
	}
	return nil
}
