package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfigFile(t, `
source:
  kind: local
  path: /disks/leaf.vmdk
target:
  output_path: /images/out.qcow2
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "qcow2", cfg.Target.Format)
	assert.Equal(t, "converted", cfg.Target.Fidelity)
	assert.Equal(t, "sqlite", cfg.Pipeline.CheckpointStore)
	assert.Equal(t, 2, cfg.Pipeline.Concurrency)
	assert.Equal(t, 4, cfg.Pipeline.SyncWorkers)
	assert.Equal(t, 5, cfg.Pipeline.Retries)
	assert.Equal(t, 180, cfg.Pipeline.BootTimeoutSec)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFileValues(t *testing.T) {
	path := writeConfigFile(t, `
source:
  kind: vsphere
  vcenter: https://vc.example.com/sdk
  username: admin@vsphere.local
  vc_password: secret
  vm_name: web-01
  insecure: true
target:
  output_path: /images/web-01.qcow2
  format: raw
  fidelity: exact
pipeline:
  concurrency: 8
  checkpoint_store: file
  checkpoint_path: /var/lib/vmshift/ckpt
log_level: debug
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "vsphere", cfg.Source.Kind)
	assert.Equal(t, "web-01", cfg.Source.VMName)
	assert.True(t, cfg.Source.Insecure)
	assert.Equal(t, "raw", cfg.Target.Format)
	assert.Equal(t, "exact", cfg.Target.Fidelity)
	assert.Equal(t, 8, cfg.Pipeline.Concurrency)
	assert.Equal(t, "file", cfg.Pipeline.CheckpointStore)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestFlagsOverrideFile(t *testing.T) {
	path := writeConfigFile(t, `
source:
  kind: local
  path: /disks/leaf.vmdk
target:
  output_path: /images/out.qcow2
  format: qcow2
pipeline:
  concurrency: 2
`)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("format", "qcow2", "")
	flags.Int("concurrency", 2, "")
	flags.Bool("refresh", false, "")
	require.NoError(t, flags.Parse([]string{"--format=raw", "--concurrency=16", "--refresh"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, "raw", cfg.Target.Format)
	assert.Equal(t, 16, cfg.Pipeline.Concurrency)
	assert.True(t, cfg.Pipeline.Refresh)
}

func TestUnchangedFlagsDoNotOverride(t *testing.T) {
	path := writeConfigFile(t, `
source:
  kind: local
  path: /disks/leaf.vmdk
target:
  output_path: /images/out.qcow2
  format: raw
`)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("format", "qcow2", "")
	require.NoError(t, flags.Parse(nil))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, "raw", cfg.Target.Format, "flag default must not clobber file value")
}

func TestValidateRejections(t *testing.T) {
	base := func() *Config {
		return &Config{
			Source: Source{Kind: "local", Path: "/disks/leaf.vmdk"},
			Target: Target{OutputPath: "/images/out.qcow2", Format: "qcow2", Fidelity: "converted"},
			Pipeline: Pipeline{
				CheckpointStore: "sqlite",
				Concurrency:     1,
				SyncWorkers:     1,
			},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing source kind", func(c *Config) { c.Source.Kind = "" }},
		{"unknown source kind", func(c *Config) { c.Source.Kind = "ftp" }},
		{"local without path", func(c *Config) { c.Source.Path = "" }},
		{"ssh without host", func(c *Config) {
			c.Source = Source{Kind: "ssh", User: "root", Path: "/vmfs/disk.vmdk"}
		}},
		{"vsphere without vm name", func(c *Config) {
			c.Source = Source{Kind: "vsphere", VCenter: "https://vc/sdk", Username: "admin"}
		}},
		{"missing output", func(c *Config) { c.Target.OutputPath = "" }},
		{"bad format", func(c *Config) { c.Target.Format = "vdi" }},
		{"bad fidelity", func(c *Config) { c.Target.Fidelity = "lossy" }},
		{"bad checkpoint store", func(c *Config) { c.Pipeline.CheckpointStore = "redis" }},
		{"zero concurrency", func(c *Config) { c.Pipeline.Concurrency = 0 }},
		{"zero sync workers", func(c *Config) { c.Pipeline.SyncWorkers = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, base().Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}
