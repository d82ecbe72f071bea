package factory

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tablectlcfg.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte(yaml), 0644))
	return path
}

func TestReadConfig(t *testing.T) {
	path := writeConfig(t, `
version: 1.0.0
description: two switch testbed
switches:
  - name: sw1
    backend: software
    addr: 127.0.0.1:9559
    deviceID: 1
    program: ./build/basic.json
    p4info: ./build/basic.p4info.txt
  - name: hw1
    backend: hardware
    addr: 10.0.0.5:4000
requestTimeout: 750ms
probeInterval: 2s
logger:
  enable: true
  level: debug
  reportCaller: false
`)
	cfg, err := ReadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, TablectlVersion, cfg.GetVersion())
	assert.Equal(t, 750*time.Millisecond, cfg.RequestTimeout)
	assert.Equal(t, 2*time.Second, cfg.ProbeInterval)
	assert.Equal(t, "debug", cfg.Logger.Level)

	require.Len(t, cfg.Switches, 2)
	sw := cfg.Switches[0]
	assert.Equal(t, "sw1", sw.Name)
	assert.Equal(t, "software", sw.Backend)
	assert.Equal(t, "127.0.0.1:9559", sw.Addr)
	assert.Equal(t, uint64(1), sw.DeviceID)
	assert.Equal(t, uint64(DefaultElectionID), sw.ElectionID)
	assert.Equal(t, "./build/basic.json", sw.Program)

	hw := cfg.Switches[1]
	assert.Equal(t, "hardware", hw.Backend)
	assert.Zero(t, hw.ElectionID, "election ids are a P4Runtime concept")
}

func TestReadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
version: 1.0.0
switches:
  - name: sw1
    backend: software
    addr: 127.0.0.1:9559
logger:
  level: info
`)
	cfg, err := ReadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
	assert.Equal(t, DefaultProbeInterval, cfg.ProbeInterval)
	assert.Equal(t, uint64(DefaultElectionID), cfg.Switches[0].ElectionID)
}

func TestReadConfigDuplicateSwitchName(t *testing.T) {
	path := writeConfig(t, `
version: 1.0.0
switches:
  - name: sw1
    backend: software
    addr: 127.0.0.1:9559
  - name: sw1
    backend: hardware
    addr: 127.0.0.1:4000
logger:
  level: info
`)
	_, err := ReadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate switch name "sw1"`)
}

func TestReadConfigBadBackend(t *testing.T) {
	path := writeConfig(t, `
version: 1.0.0
switches:
  - name: sw1
    backend: netconf
    addr: 127.0.0.1:9559
logger:
  level: info
`)
	_, err := ReadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestReadConfigBadVersion(t *testing.T) {
	path := writeConfig(t, `
version: 9.9.9
switches:
  - name: sw1
    backend: software
    addr: 127.0.0.1:9559
logger:
  level: info
`)
	_, err := ReadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestReadConfigMissingFile(t *testing.T) {
	_, err := ReadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestReadConfigMalformedYAML(t *testing.T) {
	path := writeConfig(t, "switches: [\n")
	_, err := ReadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}
