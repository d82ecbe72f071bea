package factory

import (
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/p4edit/go-tablectl/internal/logger"
)

const (
	TablectlDefaultConfigPath = "./config/tablectlcfg.yaml"
	TablectlVersion           = "1.0.0"

	DefaultRequestTimeout = 3 * time.Second
	DefaultProbeInterval  = 5 * time.Second
	DefaultElectionID     = 1
)

type Config struct {
	Version        string        `yaml:"version"        valid:"required,in(1.0.0)"`
	Description    string        `yaml:"description"    valid:"optional"`
	Switches       []Switch      `yaml:"switches"       valid:"required"`
	RequestTimeout time.Duration `yaml:"requestTimeout" valid:"optional"`
	ProbeInterval  time.Duration `yaml:"probeInterval"  valid:"optional"`
	Logger         *Logger       `yaml:"logger"         valid:"required"`
}

type Switch struct {
	Name       string `yaml:"name"       valid:"required"`
	Backend    string `yaml:"backend"    valid:"required,in(software|hardware)"`
	Addr       string `yaml:"addr"       valid:"required,dialstring"`
	DeviceID   uint64 `yaml:"deviceID"   valid:"optional"`
	ElectionID uint64 `yaml:"electionID" valid:"optional"`
	Program    string `yaml:"program"    valid:"optional"`
	P4Info     string `yaml:"p4info"     valid:"optional"`
}

type Logger struct {
	Enable       bool   `yaml:"enable"       valid:"optional"`
	Level        string `yaml:"level"        valid:"required,in(trace|debug|info|warn|error|fatal|panic)"`
	ReportCaller bool   `yaml:"reportCaller" valid:"optional"`
}

func (c *Config) GetVersion() string {
	return c.Version
}

func (c *Config) Print() {
	spew.Config.Indent = "\t"
	str := spew.Sdump(c)
	logger.CfgLog.Infof("==================================================")
	logger.CfgLog.Infof("%s", str)
	logger.CfgLog.Infof("==================================================")
}
