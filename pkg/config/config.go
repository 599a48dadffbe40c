// Package config loads the daemon's runtime configuration. There are no
// required settings: every field has a default suitable for a freshly
// imaged device, overridable through TOPE_-prefixed environment variables
// or an optional YAML file for operators who prefer a file over env vars.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full set of knobs the engine and its ingress need.
type Config struct {
	// InstallRoot is the base directory under which versions/, tmp/ and
	// logs/ live, and the prefix stripped from absolute module dst paths.
	InstallRoot string `yaml:"install_root"`
	// ListenAddr is the HTTP ingress bind address.
	ListenAddr string `yaml:"listen_addr"`
	// OrchestratorURL is the base URL the reporter POSTs progress to.
	OrchestratorURL string `yaml:"orchestrator_url"`
	// ServiceManager selects the ServiceController backend ("systemctl" is
	// the only one implemented; kept configurable for test doubles).
	ServiceManager string `yaml:"service_manager"`
}

// Default returns the configuration a freshly imaged device boots with.
func Default() Config {
	return Config{
		InstallRoot:     "/opt/tope",
		ListenAddr:      ":12315",
		OrchestratorURL: "",
		ServiceManager:  "systemctl",
	}
}

// VersionsDir, TmpDir and LogsDir are the three fixed subtrees under
// InstallRoot that every component addresses by convention.
func (c Config) VersionsDir() string { return c.InstallRoot + "/versions" }
func (c Config) TmpDir() string      { return c.InstallRoot + "/tmp" }
func (c Config) LogsDir() string     { return c.InstallRoot + "/logs" }
func (c Config) StateFile() string   { return c.TmpDir() + "/state.json" }

// Load starts from Default, applies an optional YAML file (if path is
// non-empty and exists), then applies TOPE_ environment overrides, which
// take precedence over the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, err
			}
		} else if !os.IsNotExist(err) {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TOPE_INSTALL_ROOT"); v != "" {
		cfg.InstallRoot = v
	}
	if v := os.Getenv("TOPE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("TOPE_ORCHESTRATOR_URL"); v != "" {
		cfg.OrchestratorURL = v
	}
	if v := os.Getenv("TOPE_SERVICE_MANAGER"); v != "" {
		cfg.ServiceManager = v
	}
}
