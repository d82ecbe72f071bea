package factory

import (
	"io/ioutil"

	"github.com/asaskevich/govalidator"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

func InitConfigFactory(f string, cfg *Config) error {
	if f == "" {
		f = TablectlDefaultConfigPath
	}

	content, err := ioutil.ReadFile(f)
	if err != nil {
		return errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return errors.Wrap(err, "parse config")
	}
	return nil
}

func ReadConfig(cfgPath string) (*Config, error) {
	cfg := &Config{}
	if err := InitConfigFactory(cfgPath, cfg); err != nil {
		return nil, errors.Wrapf(err, "ReadConfig [%s]", cfgPath)
	}
	if _, err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	return cfg, nil
}

func (c *Config) Validate() (bool, error) {
	seen := make(map[string]bool)
	for i := range c.Switches {
		name := c.Switches[i].Name
		if seen[name] {
			return false, errors.Errorf("duplicate switch name %q", name)
		}
		seen[name] = true
	}
	result, err := govalidator.ValidateStruct(c)
	if err != nil {
		return result, errors.Wrap(err, "invalid config")
	}
	return result, nil
}

func (c *Config) setDefaults() {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	for i := range c.Switches {
		sw := &c.Switches[i]
		if sw.Backend == "software" && sw.ElectionID == 0 {
			sw.ElectionID = DefaultElectionID
		}
	}
}
