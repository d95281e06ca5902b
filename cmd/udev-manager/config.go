package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/ydb-platform/udevfs/internal/netlink"
	"github.com/ydb-platform/udevfs/internal/udev"
)

type configSource interface {
	String() string
	open() (io.Reader, func() error, error)
}

type fileConfigSource struct {
	path string
}

func (fcs *fileConfigSource) open() (io.Reader, func() error, error) {
	file, err := os.Open(fcs.path)
	if err != nil {
		return nil, nil, err
	}
	return file, file.Close, nil
}

func (fcs *fileConfigSource) String() string {
	return "file:" + fcs.path
}

type envConfigSource struct {
	variable string
}

func (ecs *envConfigSource) open() (io.Reader, func() error, error) {
	data := os.Getenv(ecs.variable)
	if data == "" {
		return nil, nil, fmt.Errorf("config: environment variable %s is not set", ecs.variable)
	}
	return strings.NewReader(data), func() error { return nil }, nil
}

func (ecs *envConfigSource) String() string {
	return "env:" + ecs.variable
}

type stdinConfigSource struct{}

func (scs *stdinConfigSource) open() (io.Reader, func() error, error) {
	return os.Stdin, func() error { return nil }, nil
}

func (scs *stdinConfigSource) String() string {
	return "stdin"
}

type ConfigFlag struct {
	configSource
}

func (cf *ConfigFlag) Set(value string) error {
	if strings.HasPrefix(value, "file:") {
		cf.configSource = &fileConfigSource{path: strings.TrimPrefix(value, "file:")}
	} else if strings.HasPrefix(value, "env:") {
		cf.configSource = &envConfigSource{variable: strings.TrimPrefix(value, "env:")}
	} else if strings.HasPrefix(value, "stdin") {
		cf.configSource = &stdinConfigSource{}
	} else {
		return fmt.Errorf("invalid config source: %s", value)
	}

	return nil
}

func (cf *ConfigFlag) String() string {
	if cf.configSource == nil {
		return ""
	}
	return cf.configSource.String()
}

// FilterConfig is one conjunction of predicates. A device is reported when
// it matches any of the configured filters.
type FilterConfig struct {
	Subsystem  string            `yaml:"subsystem,omitempty"`
	Subtree    string            `yaml:"subtree,omitempty"`
	Properties map[string]string `yaml:"properties,omitempty"`
	Attributes map[string]string `yaml:"attributes,omitempty"`
}

func (fc *FilterConfig) validate(prefix string) error {
	var errs error
	if fc.Subtree != "" && !filepath.IsAbs(fc.Subtree) {
		errs = errors.Join(errs, fmt.Errorf("%s.subtree: %q must be an absolute path", prefix, fc.Subtree))
	}
	if strings.Contains(fc.Subsystem, "/") {
		errs = errors.Join(errs, fmt.Errorf("%s.subsystem: %q must not contain '/'", prefix, fc.Subsystem))
	}
	for key := range fc.Properties {
		if key == "" {
			errs = errors.Join(errs, fmt.Errorf("%s.properties: keys must not be empty", prefix))
		}
	}
	for name := range fc.Attributes {
		if name == "" || strings.Contains(name, "..") || filepath.IsAbs(name) {
			errs = errors.Join(errs, fmt.Errorf("%s.attributes: %q is not a valid attribute name", prefix, name))
		}
	}
	return errs
}

func (fc *FilterConfig) filter() udev.Filter {
	var filter udev.Filter
	if fc.Subsystem != "" {
		filter = append(filter, udev.MatchSubsystem(fc.Subsystem))
	}
	if fc.Subtree != "" {
		filter = append(filter, udev.MatchSubtree(fc.Subtree))
	}
	for key, value := range fc.Properties {
		filter = append(filter, udev.MatchProperty(key, value))
	}
	for name, value := range fc.Attributes {
		filter = append(filter, udev.MatchAttribute(name, value))
	}
	return filter
}

type Config struct {
	Sysfs         string         `yaml:"sysfs"`
	UdevRun       string         `yaml:"udevRun"`
	Hwdb          string         `yaml:"hwdb"`
	Group         string         `yaml:"group"`         // "kernel" or "udev"
	ReceiveBuffer int            `yaml:"receiveBuffer"` // bytes
	Attributes    bool           `yaml:"attributes"`    // report every attribute
	Hardware      bool           `yaml:"hardware"`      // report hwdb properties
	Healthz       string         `yaml:"healthz"`       // monitor health endpoint
	Filters       []FilterConfig `yaml:"filters"`
}

// EnvConfig holds the settings the environment may override. Unset variables
// leave the configured value alone.
type EnvConfig struct {
	Sysfs         string `env:"SYSFS_PATH"`
	UdevRun       string `env:"UDEV_RUN_PATH"`
	Hwdb          string `env:"UDEV_HWDB_BIN"`
	Group         string `env:"UEVENT_GROUP"`
	ReceiveBuffer int    `env:"UEVENT_RCVBUF"`
	Healthz       string `env:"HEALTHZ_ADDR"`
}

func (c *Config) applyEnv() error {
	overrides := EnvConfig{
		Sysfs:         c.Sysfs,
		UdevRun:       c.UdevRun,
		Hwdb:          c.Hwdb,
		Group:         c.Group,
		ReceiveBuffer: c.ReceiveBuffer,
		Healthz:       c.Healthz,
	}
	if err := env.Parse(&overrides); err != nil {
		return err
	}
	c.Sysfs = overrides.Sysfs
	c.UdevRun = overrides.UdevRun
	c.Hwdb = overrides.Hwdb
	c.Group = overrides.Group
	c.ReceiveBuffer = overrides.ReceiveBuffer
	c.Healthz = overrides.Healthz
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Sysfs:   "/sys",
		UdevRun: udev.DefaultRunPath,
		Group:   netlink.UdevGroup.String(),
	}
}

func (c *Config) validate() error {
	var errs error
	if c.Sysfs == "" || !filepath.IsAbs(c.Sysfs) {
		errs = errors.Join(errs, fmt.Errorf(".sysfs: %q must be an absolute path", c.Sysfs))
	}
	if c.UdevRun != "" && !filepath.IsAbs(c.UdevRun) {
		errs = errors.Join(errs, fmt.Errorf(".udevRun: %q must be an absolute path", c.UdevRun))
	}
	if _, err := c.group(); err != nil {
		errs = errors.Join(errs, fmt.Errorf(".group: %w", err))
	}
	if c.ReceiveBuffer < 0 {
		errs = errors.Join(errs, fmt.Errorf(".receiveBuffer: %d must not be negative", c.ReceiveBuffer))
	}

	for i := range c.Filters {
		errs = errors.Join(errs, c.Filters[i].validate(fmt.Sprintf(".filters[%d]", i)))
	}

	return errs
}

func (c *Config) group() (netlink.Group, error) {
	switch c.Group {
	case netlink.KernelGroup.String():
		return netlink.KernelGroup, nil
	case netlink.UdevGroup.String(), "":
		return netlink.UdevGroup, nil
	}
	return 0, fmt.Errorf("%q must be %q or %q", c.Group, netlink.KernelGroup, netlink.UdevGroup)
}

// filters returns the configured alternatives; a single empty filter matches
// everything.
func (c *Config) filters() []udev.Filter {
	if len(c.Filters) == 0 {
		return []udev.Filter{nil}
	}
	filters := make([]udev.Filter, 0, len(c.Filters))
	for i := range c.Filters {
		filters = append(filters, c.Filters[i].filter())
	}
	return filters
}

// parseConfig reads YAML from reader, when given, on top of the defaults and
// then applies the environment overrides.
func parseConfig(reader io.Reader) (*Config, error) {
	config := defaultConfig()
	if reader != nil {
		decoder := yaml.NewDecoder(reader)
		if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}
