// Package config defines the settings of the coordinator and node binaries
// and loads them from flags, the environment and a TOML file.
package config

import (
	"io"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dreamware/torua/internal/errors"
)

// EnvPrefix prefixes the environment variables read for every setting,
// e.g. TORUA_DATA_DIR for --data-dir and TORUA_HEALTH_INTERVAL for
// --health.interval.
const EnvPrefix = "TORUA"

// ErrInvalidConfig means the effective configuration is unusable.
const ErrInvalidConfig errors.Code = "InvalidConfig"

// Duration is a time.Duration written as a string such as "5s" in TOML.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText writes the duration as a string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses a string such as "1m30s".
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Coordinator holds the settings of the coordinator.
type Coordinator struct {
	Bind    string `toml:"bind"`
	DataDir string `toml:"data-dir"`
	Verbose bool   `toml:"verbose"`

	Health struct {
		Interval Duration `toml:"interval"`
	} `toml:"health"`
}

// Flags registers the coordinator's settings, with their defaults, on fs.
func (c *Coordinator) Flags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Bind, "bind", ":8080", "Address to listen on.")
	fs.StringVar(&c.DataDir, "data-dir", "./data", "Directory holding the catalog database.")
	fs.BoolVar(&c.Verbose, "verbose", false, "Enable debug logging.")
	fs.DurationVar((*time.Duration)(&c.Health.Interval), "health.interval", 5*time.Second, "Interval between node health checks.")
}

// Validate checks the settings that have no usable default.
func (c *Coordinator) Validate() error {
	if c.Bind == "" {
		return errors.New(ErrInvalidConfig, "bind address is required")
	}
	if c.DataDir == "" {
		return errors.New(ErrInvalidConfig, "data-dir is required")
	}
	if c.Health.Interval <= 0 {
		return errors.Newf(ErrInvalidConfig, "health.interval must be positive, got %s", c.Health.Interval)
	}
	return nil
}

// Node holds the settings of a storage node.
type Node struct {
	ID          string `toml:"id"`
	Bind        string `toml:"bind"`
	Advertise   string `toml:"advertise"`
	Coordinator string `toml:"coordinator"`
	DataDir     string `toml:"data-dir"`
	Verbose     bool   `toml:"verbose"`
}

// Flags registers the node's settings, with their defaults, on fs.
func (c *Node) Flags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ID, "id", "", "Unique ID of this node. Required.")
	fs.StringVar(&c.Bind, "bind", ":8081", "Address to listen on.")
	fs.StringVar(&c.Advertise, "advertise", "http://127.0.0.1:8081", "Base URL the coordinator uses to reach this node.")
	fs.StringVar(&c.Coordinator, "coordinator", "", "Base URL of the coordinator. Required.")
	fs.StringVar(&c.DataDir, "data-dir", "", "Directory holding the document database. Empty keeps documents in memory.")
	fs.BoolVar(&c.Verbose, "verbose", false, "Enable debug logging.")
}

// Validate checks the settings that have no usable default.
func (c *Node) Validate() error {
	switch {
	case c.ID == "":
		return errors.New(ErrInvalidConfig, "node id is required")
	case c.Coordinator == "":
		return errors.New(ErrInvalidConfig, "coordinator URL is required")
	case c.Advertise == "":
		return errors.New(ErrInvalidConfig, "advertise URL is required")
	case !strings.HasPrefix(c.Advertise, "http://") && !strings.HasPrefix(c.Advertise, "https://"):
		return errors.Newf(ErrInvalidConfig, "advertise URL %q must start with http:// or https://", c.Advertise)
	}
	return nil
}

// SetAll applies configuration to every flag in flags that was not set on
// the command line. Values come from the environment first, then from the
// TOML file named by the "config" flag, if any. Environment variables are
// the upper-cased flag names with dashes and dots replaced by underscores,
// prefixed with EnvPrefix. Keys in the file that name no flag are an
// error.
func SetAll(v *viper.Viper, flags *pflag.FlagSet) error {
	if err := v.BindPFlags(flags); err != nil {
		return errors.Wrap(err, "binding flags")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	validTags := make(map[string]bool)
	flags.VisitAll(func(f *pflag.Flag) {
		validTags[f.Name] = true
	})

	if c := v.GetString("config"); c != "" {
		v.SetConfigFile(c)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "reading configuration file '%s'", c)
		}
		for _, key := range v.AllKeys() {
			if !validTags[key] {
				return errors.Newf(ErrInvalidConfig, "invalid option in configuration file: %v", key)
			}
		}
	}

	var flagErr error
	flags.VisitAll(func(f *pflag.Flag) {
		// Flags set on the command line take priority.
		if flagErr != nil || f.Changed {
			return
		}
		if err := f.Value.Set(v.GetString(f.Name)); err != nil {
			flagErr = errors.Wrapf(err, "setting %s", f.Name)
		}
	})
	return flagErr
}

// Render writes cfg as TOML.
func Render(w io.Writer, cfg interface{}) error {
	buf, err := toml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encoding configuration")
	}
	_, err = w.Write(buf)
	return err
}
