package identify

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is where identify-node looks for its optional YAML file.
const ConfigPath = "/etc/nodeident/identify.yaml"

// Options is the complete agent configuration after merging the config file
// with command line flags.
type Options struct {
	Server  string        `yaml:"server"`
	Port    int           `yaml:"port"`
	UUID    string        `yaml:"uuid"`
	Timeout time.Duration `yaml:"timeout"`
	Testing bool          `yaml:"testing"`
	Debug   bool          `yaml:"debug"`
	Verbose bool          `yaml:"verbose"`
}

// LoadOptions reads a YAML options file. A missing file yields zero options
// unless required is set.
func LoadOptions(path string, required bool) (Options, error) {
	var opts Options
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return opts, nil
		}
		return opts, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parse config %s: %w", path, err)
	}
	return opts, nil
}

// Merge overlays the flags reported as changed onto base.
func Merge(base, flags Options, changed func(name string) bool) Options {
	out := base
	if changed("server") {
		out.Server = flags.Server
	}
	if changed("port") {
		out.Port = flags.Port
	}
	if changed("uuid") {
		out.UUID = flags.UUID
	}
	if changed("timeout") {
		out.Timeout = flags.Timeout
	}
	if changed("testing") {
		out.Testing = flags.Testing
	}
	if changed("debug") {
		out.Debug = flags.Debug
	}
	if changed("verbose") {
		out.Verbose = flags.Verbose
	}
	return out
}

// Validate checks that a server can be contacted with these options.
func (o Options) Validate() error {
	if strings.TrimSpace(o.Server) == "" {
		return errors.New("server is required")
	}
	if o.Port <= 0 || o.Port > 65535 {
		return fmt.Errorf("port %d out of range", o.Port)
	}
	if o.Timeout < 0 {
		return fmt.Errorf("timeout %s is negative", o.Timeout)
	}
	return nil
}

// LogLevel maps the verbosity switches onto a telemetry level.
func (o Options) LogLevel() string {
	switch {
	case o.Debug:
		return "DEBUG"
	case o.Verbose:
		return "INFO"
	default:
		return "WARN"
	}
}
