package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config controls one bootstrap run. Relative paths resolve against WorkDir.
type Config struct {
	WorkDir          string        `yaml:"work_dir"`
	Project          string        `yaml:"project"`
	RepoURL          string        `yaml:"repo_url"`
	TemplateFile     string        `yaml:"template_file"`
	ComposeFile      string        `yaml:"compose_file"`
	DashboardFile    string        `yaml:"dashboard_file"`
	Placeholder      string        `yaml:"placeholder"`
	Datasource       string        `yaml:"datasource"`
	TokenDir         string        `yaml:"token_dir"`
	Image            string        `yaml:"image"`
	CollectorService string        `yaml:"collector_service"`
	InstallScriptURL string        `yaml:"install_script_url"`
	DaemonUnit       string        `yaml:"daemon_unit"`
	DaemonStartDelay time.Duration `yaml:"daemon_start_delay"`
	DockerHost       string        `yaml:"docker_host"`
	EditMode         string        `yaml:"edit_mode"`
	StatusAddr       string        `yaml:"status_addr"`
	LockFile         string        `yaml:"lock_file"`
	Verbose          bool          `yaml:"verbose"`
}

// Default returns the configuration for a checkout of the garmin-grafana
// repository in the current directory.
func Default() Config {
	return Config{
		WorkDir:          ".",
		TemplateFile:     "compose-example.yml",
		ComposeFile:      "compose.yml",
		DashboardFile:    filepath.Join("Grafana_Dashboard", "Garmin-Grafana-Dashboard.json"),
		Placeholder:      "${DS_GARMIN_STATS}",
		Datasource:       "garmin_influxdb",
		TokenDir:         "garminconnect-tokens",
		Image:            "thisisarpanghosh/garmin-fetch-data:latest",
		CollectorService: "garmin-fetch-data",
		InstallScriptURL: "https://get.docker.com",
		DaemonUnit:       "docker.service",
		DaemonStartDelay: 3 * time.Second,
		EditMode:         "native",
		LockFile:         ".garmin-bootstrap.lock",
	}
}

// Load overlays the YAML file at path onto the defaults. Keys missing from
// the file keep their default value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse builds the configuration from command-line args: defaults, then
// the --config file if given, then flags. It returns pflag.ErrHelp when
// help was requested.
func Parse(args []string) (Config, error) {
	pre := pflag.NewFlagSet("garmin-bootstrap", pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.Usage = func() {}
	configPath := pre.String("config", "", "")
	_ = pre.BoolP("help", "h", false, "")
	if err := pre.Parse(args); err != nil && !errors.Is(err, pflag.ErrHelp) {
		return Config{}, err
	}

	cfg := Default()
	if *configPath != "" {
		loaded, err := Load(*configPath)
		if err != nil {
			return Config{}, err
		}
		cfg = loaded
	}

	fs := pflag.NewFlagSet("garmin-bootstrap", pflag.ContinueOnError)
	fs.String("config", *configPath, "YAML file with bootstrap settings")
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return cfg, cfg.Validate()
}

// BindFlags registers a flag for every setting, using the current values
// as defaults.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.WorkDir, "dir", "C", c.WorkDir, "directory holding the deployment files")
	fs.StringVar(&c.Project, "project", c.Project, "compose project name (default: derived from the directory)")
	fs.StringVar(&c.RepoURL, "repo", c.RepoURL, "git repository to clone when the deployment files are missing")
	fs.StringVar(&c.TemplateFile, "template", c.TemplateFile, "compose template to materialize")
	fs.StringVar(&c.ComposeFile, "compose-file", c.ComposeFile, "active compose file")
	fs.StringVar(&c.DashboardFile, "dashboard", c.DashboardFile, "dashboard definition to update")
	fs.StringVar(&c.Placeholder, "placeholder", c.Placeholder, "datasource placeholder token in the dashboard")
	fs.StringVar(&c.Datasource, "datasource", c.Datasource, "datasource identifier replacing the placeholder")
	fs.StringVar(&c.TokenDir, "token-dir", c.TokenDir, "directory the collector stores session tokens in")
	fs.StringVar(&c.Image, "image", c.Image, "collector image to pull")
	fs.StringVar(&c.CollectorService, "collector", c.CollectorService, "compose service run once for authentication")
	fs.StringVar(&c.InstallScriptURL, "install-script", c.InstallScriptURL, "URL of the docker install script")
	fs.StringVar(&c.DaemonUnit, "daemon-unit", c.DaemonUnit, "systemd unit of the docker daemon")
	fs.DurationVar(&c.DaemonStartDelay, "daemon-delay", c.DaemonStartDelay, "wait after starting the daemon before probing again")
	fs.StringVar(&c.DockerHost, "docker-host", c.DockerHost, "docker daemon address (default: DOCKER_HOST or the local socket)")
	fs.StringVar(&c.EditMode, "edit-mode", c.EditMode, "dashboard edit mode: native or sed")
	fs.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "serve bootstrap progress over HTTP on this address")
	fs.StringVar(&c.LockFile, "lock-file", c.LockFile, "lock file preventing concurrent runs")
	fs.BoolVarP(&c.Verbose, "verbose", "v", c.Verbose, "enable debug logging")
}

// Validate checks the settings the workflow cannot run without.
func (c Config) Validate() error {
	var errs []error
	required := []struct{ flag, value string }{
		{"template", c.TemplateFile},
		{"compose-file", c.ComposeFile},
		{"dashboard", c.DashboardFile},
		{"placeholder", c.Placeholder},
		{"token-dir", c.TokenDir},
		{"image", c.Image},
		{"collector", c.CollectorService},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", r.flag))
		}
	}
	// Both end up inside a single-line sed expression in sed edit mode.
	for _, r := range []struct{ flag, value string }{
		{"placeholder", c.Placeholder},
		{"datasource", c.Datasource},
	} {
		if strings.ContainsAny(r.value, "\r\n") {
			errs = append(errs, fmt.Errorf("%s must not contain line breaks", r.flag))
		}
	}
	if c.DaemonStartDelay <= 0 {
		errs = append(errs, fmt.Errorf("daemon-delay must be positive, got %s", c.DaemonStartDelay))
	}
	switch c.EditMode {
	case "native", "sed":
	default:
		errs = append(errs, fmt.Errorf("edit-mode must be native or sed, got %q", c.EditMode))
	}
	return errors.Join(errs...)
}

// Path resolves p against WorkDir unless it is absolute.
func (c Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.WorkDir, p)
}
