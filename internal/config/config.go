package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"sessionward/internal/log"
)

type Config struct {
	Bind            string
	Port            int
	AllowCIDRs      []string
	ProjectsRoot    string
	Project         string
	Policy          string
	RedirectProject string
	PollInterval    time.Duration
	AgentCommand    string
	LogLevel        string
	EnvFile         string
	Command         string
}

const (
	DefaultPort         = 8002
	DefaultPolicy       = "redirect"
	DefaultPollInterval = 500 * time.Millisecond
	minPollInterval     = 10 * time.Millisecond
	maxPollInterval     = time.Minute
)

var policies = map[string]bool{"block": true, "redirect": true, "sweep": true}

// Parse builds a Config from defaults, the optional .env file, HOST/PORT/LOG_LEVEL
// and finally the command line, in increasing order of precedence.
func Parse(args []string) (Config, error) {
	cfg := Config{
		Bind:         "127.0.0.1",
		Port:         DefaultPort,
		AllowCIDRs:   []string{},
		Policy:       DefaultPolicy,
		PollInterval: DefaultPollInterval,
		LogLevel:     "info",
		EnvFile:      ".env",
		Command:      "serve",
	}

	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cfg.Command = args[0]
		args = args[1:]
	}
	if cfg.Command != "serve" && cfg.Command != "sweep" {
		return Config{}, fmt.Errorf("unknown command: %s", cfg.Command)
	}

	// --env-file must be known before the environment is read.
	for i, arg := range args {
		if arg == "--env-file" && i+1 < len(args) {
			cfg.EnvFile = args[i+1]
		} else if strings.HasPrefix(arg, "--env-file=") {
			cfg.EnvFile = strings.TrimPrefix(arg, "--env-file=")
		}
	}
	if cfg.EnvFile != "" {
		if err := godotenv.Load(cfg.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		next := ""
		if i+1 < len(args) {
			next = args[i+1]
		}

		name, value, inline := strings.Cut(arg, "=")
		if !inline {
			value = next
		}
		consumed := false
		var err error

		switch name {
		case "--bind":
			cfg.Bind, consumed = value, true
		case "--port":
			cfg.Port, err = parsePort(value)
			consumed = true
		case "--allow-cidr":
			cfg.AllowCIDRs = append(cfg.AllowCIDRs, value)
			consumed = true
		case "--projects-root":
			cfg.ProjectsRoot, consumed = value, true
		case "--project":
			cfg.Project, consumed = value, true
		case "--policy":
			cfg.Policy, consumed = strings.ToLower(value), true
		case "--redirect-project":
			cfg.RedirectProject, consumed = value, true
		case "--poll-interval":
			cfg.PollInterval, err = time.ParseDuration(value)
			if err != nil {
				err = errors.New("poll interval must be a duration such as 500ms")
			}
			consumed = true
		case "--agent-command":
			cfg.AgentCommand, consumed = value, true
		case "--log-level":
			cfg.LogLevel, consumed = value, true
		case "--env-file":
			consumed = true
		}
		if err != nil {
			return Config{}, err
		}
		if consumed && !inline {
			if next == "" {
				return Config{}, fmt.Errorf("%s requires a value", name)
			}
			i++
		}
	}

	if err := fillDefaults(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("HOST")); v != "" {
		cfg.Bind = v
	}
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		port, err := parsePort(v)
		if err != nil {
			return err
		}
		cfg.Port = port
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	return nil
}

func parsePort(v string) (int, error) {
	port, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New("port must be an integer")
	}
	return port, nil
}

func fillDefaults(cfg *Config) error {
	if cfg.ProjectsRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		cfg.ProjectsRoot = filepath.Join(home, ".claude", "projects")
	}
	if cfg.Project == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
		cfg.Project = ProjectSlug(wd)
	}
	if cfg.RedirectProject == "" {
		cfg.RedirectProject = cfg.Project + "-foreign"
	}
	return nil
}

func (c Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	if !policies[c.Policy] {
		return fmt.Errorf("unknown policy: %s", c.Policy)
	}
	if !log.ValidLevel(c.LogLevel) {
		return fmt.Errorf("unknown log level: %s", c.LogLevel)
	}
	if c.PollInterval < minPollInterval || c.PollInterval > maxPollInterval {
		return fmt.Errorf("poll interval must be between %s and %s", minPollInterval, maxPollInterval)
	}
	for _, cidr := range c.AllowCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid CIDR: %s", cidr)
		}
	}
	if strings.ContainsAny(c.Project, `/\`) || strings.ContainsAny(c.RedirectProject, `/\`) {
		return errors.New("project names must be single directory names")
	}
	if c.Project == c.RedirectProject {
		return errors.New("redirect project must differ from project")
	}
	return nil
}

// ProjectSlug turns a working directory into the directory name used under the
// projects root: "/Users/a/x_y" becomes "-Users-a-x-y".
func ProjectSlug(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '.', '_', ':':
			return '-'
		}
		return r
	}, path)
}

func IsAllowedClient(ip net.IP, allowCIDRs []string) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() {
		return true
	}
	if len(allowCIDRs) == 0 {
		return true
	}
	for _, cidr := range allowCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
