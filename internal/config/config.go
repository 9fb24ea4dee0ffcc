package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Source      Source   `yaml:"source"`
	Target      Target   `yaml:"target"`
	Pipeline    Pipeline `yaml:"pipeline"`
	LogLevel    string   `yaml:"log_level"`
	MetricsAddr string   `yaml:"metrics_addr"`
}

// Source describes where the disk comes from
type Source struct {
	Kind string `yaml:"kind"` // local | ssh | vsphere
	Path string `yaml:"path"` // local descriptor path or remote datastore path

	// SSH source
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Identity string `yaml:"identity"` // private key file

	// vSphere source
	VCenter    string `yaml:"vcenter"`
	Username   string `yaml:"username"`
	VCPassword string `yaml:"vc_password"`
	Datacenter string `yaml:"datacenter"`
	Insecure   bool   `yaml:"insecure"`
	VMName     string `yaml:"vm_name"`
	Thumbprint string `yaml:"thumbprint"`
	VDDKLibDir string `yaml:"vddk_libdir"`
}

// Target describes the destination image
type Target struct {
	OutputPath string `yaml:"output_path"`
	Format     string `yaml:"format"`   // qcow2 | raw
	Fidelity   string `yaml:"fidelity"` // converted | exact | raw
	Compress   bool   `yaml:"compress"`
	Checksum   bool   `yaml:"checksum"`
	Flatten    bool   `yaml:"flatten"`
}

// Pipeline holds orchestration tunables
type Pipeline struct {
	Workdir         string `yaml:"workdir"`
	CheckpointStore string `yaml:"checkpoint_store"` // sqlite | file
	CheckpointPath  string `yaml:"checkpoint_path"`
	Concurrency     int    `yaml:"concurrency"`
	SyncWorkers     int    `yaml:"sync_workers"`
	Retries         int    `yaml:"retries"`
	RetryBackoffMs  int    `yaml:"retry_backoff_ms"`
	SkipFix         bool   `yaml:"skip_fix"`
	SkipValidate    bool   `yaml:"skip_validate"`
	Refresh         bool   `yaml:"refresh"`
	BootTimeoutSec  int    `yaml:"boot_timeout_sec"`
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := &Config{
		LogLevel: "info",
		Source:   Source{Port: 22},
		Target: Target{
			Format:   "qcow2",
			Fidelity: "converted",
		},
		Pipeline: Pipeline{
			Workdir:         "./work",
			CheckpointStore: "sqlite",
			CheckpointPath:  "./checkpoint.db",
			Concurrency:     2,
			SyncWorkers:     4,
			Retries:         5,
			RetryBackoffMs:  500,
			BootTimeoutSec:  180,
		},
	}

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if flags != nil {
		loadFromFlags(cfg, flags)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) {
	if flags.Changed("source-kind") {
		cfg.Source.Kind, _ = flags.GetString("source-kind")
	}
	if flags.Changed("source-path") {
		cfg.Source.Path, _ = flags.GetString("source-path")
	}
	if flags.Changed("host") {
		cfg.Source.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Source.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("user") {
		cfg.Source.User, _ = flags.GetString("user")
	}
	if flags.Changed("identity") {
		cfg.Source.Identity, _ = flags.GetString("identity")
	}
	if flags.Changed("vcenter") {
		cfg.Source.VCenter, _ = flags.GetString("vcenter")
	}
	if flags.Changed("vc-user") {
		cfg.Source.Username, _ = flags.GetString("vc-user")
	}
	if flags.Changed("vc-password") {
		cfg.Source.VCPassword, _ = flags.GetString("vc-password")
	}
	if flags.Changed("datacenter") {
		cfg.Source.Datacenter, _ = flags.GetString("datacenter")
	}
	if flags.Changed("insecure") {
		cfg.Source.Insecure, _ = flags.GetBool("insecure")
	}
	if flags.Changed("vm-name") {
		cfg.Source.VMName, _ = flags.GetString("vm-name")
	}
	if flags.Changed("thumbprint") {
		cfg.Source.Thumbprint, _ = flags.GetString("thumbprint")
	}
	if flags.Changed("vddk-libdir") {
		cfg.Source.VDDKLibDir, _ = flags.GetString("vddk-libdir")
	}

	if flags.Changed("output") {
		cfg.Target.OutputPath, _ = flags.GetString("output")
	}
	if flags.Changed("format") {
		cfg.Target.Format, _ = flags.GetString("format")
	}
	if flags.Changed("fidelity") {
		cfg.Target.Fidelity, _ = flags.GetString("fidelity")
	}
	if flags.Changed("compress") {
		cfg.Target.Compress, _ = flags.GetBool("compress")
	}
	if flags.Changed("checksum") {
		cfg.Target.Checksum, _ = flags.GetBool("checksum")
	}
	if flags.Changed("flatten") {
		cfg.Target.Flatten, _ = flags.GetBool("flatten")
	}

	if flags.Changed("workdir") {
		cfg.Pipeline.Workdir, _ = flags.GetString("workdir")
	}
	if flags.Changed("checkpoint-store") {
		cfg.Pipeline.CheckpointStore, _ = flags.GetString("checkpoint-store")
	}
	if flags.Changed("checkpoint") {
		cfg.Pipeline.CheckpointPath, _ = flags.GetString("checkpoint")
	}
	if flags.Changed("concurrency") {
		cfg.Pipeline.Concurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("sync-workers") {
		cfg.Pipeline.SyncWorkers, _ = flags.GetInt("sync-workers")
	}
	if flags.Changed("retries") {
		cfg.Pipeline.Retries, _ = flags.GetInt("retries")
	}
	if flags.Changed("retry-backoff-ms") {
		cfg.Pipeline.RetryBackoffMs, _ = flags.GetInt("retry-backoff-ms")
	}
	if flags.Changed("skip-fix") {
		cfg.Pipeline.SkipFix, _ = flags.GetBool("skip-fix")
	}
	if flags.Changed("skip-validate") {
		cfg.Pipeline.SkipValidate, _ = flags.GetBool("skip-validate")
	}
	if flags.Changed("refresh") {
		cfg.Pipeline.Refresh, _ = flags.GetBool("refresh")
	}
	if flags.Changed("boot-timeout") {
		cfg.Pipeline.BootTimeoutSec, _ = flags.GetInt("boot-timeout")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
}

// Validate rejects ambiguous or incomplete configuration before any stage
// runs. A failure here is the non-resumable configuration error class.
func (c *Config) Validate() error {
	switch c.Source.Kind {
	case "local":
		if c.Source.Path == "" {
			return fmt.Errorf("local source requires a descriptor path")
		}
	case "ssh":
		if c.Source.Host == "" || c.Source.User == "" {
			return fmt.Errorf("ssh source requires host and user")
		}
		if c.Source.Path == "" {
			return fmt.Errorf("ssh source requires a remote path")
		}
	case "vsphere":
		if c.Source.VCenter == "" || c.Source.Username == "" {
			return fmt.Errorf("vsphere source requires vcenter and vc-user")
		}
		if c.Source.VMName == "" {
			return fmt.Errorf("vsphere source requires vm-name")
		}
	case "":
		return fmt.Errorf("source kind is required")
	default:
		return fmt.Errorf("unknown source kind %q", c.Source.Kind)
	}

	if c.Target.OutputPath == "" {
		return fmt.Errorf("output path is required")
	}
	switch c.Target.Format {
	case "qcow2", "raw":
	default:
		return fmt.Errorf("unknown output format %q", c.Target.Format)
	}
	switch c.Target.Fidelity {
	case "converted", "exact", "raw":
	default:
		return fmt.Errorf("unknown fidelity %q", c.Target.Fidelity)
	}

	switch c.Pipeline.CheckpointStore {
	case "sqlite", "file":
	default:
		return fmt.Errorf("unknown checkpoint store %q", c.Pipeline.CheckpointStore)
	}
	if c.Pipeline.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.Pipeline.SyncWorkers <= 0 {
		return fmt.Errorf("sync workers must be positive")
	}

	return nil
}
