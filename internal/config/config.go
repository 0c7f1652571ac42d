// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/memblk/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Major int `toml:"major" env:"MEMBLK_MAJOR" env-default:"240" env-description:"Major number of all memblk devices."`

	Pipeline struct {
		Workers           int   `toml:"io_workers" env:"MEMBLK_PIPELINE_WORKERS" env-default:"0" env-description:"Number of execution workers. Zero means one per CPU."`
		QueueDepth        int   `toml:"queue_depth" env:"MEMBLK_PIPELINE_QUEUEDEPTH" env-default:"1024" env-description:"Capacity of the ordering queue. Submissions fail when it is full."`
		CompletionDelayMs int64 `toml:"completion_delay_ms" env:"MEMBLK_PIPELINE_DELAY" env-default:"5" env-description:"Minimal latency of every operation in ms. Negative means zero."`

		// Derived from CompletionDelayMs.
		CompletionDelay time.Duration `toml:"-"`
	} `toml:"pipeline"`

	Store struct {
		Kind string `toml:"kind" env:"MEMBLK_STORE_KIND" env-default:"mem" env-description:"Backing store of devices. One of mem, null, s3."`
	} `toml:"store"`

	S3 struct {
		Bucket      string `toml:"bucket" env:"MEMBLK_S3_BUCKET" env-description:"S3 Bucket name." env-default:"memblk"`
		Remote      string `toml:"remote" env:"MEMBLK_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region      string `toml:"region" env:"MEMBLK_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey   string `toml:"access_key" env:"MEMBLK_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey   string `toml:"secret_key" env:"MEMBLK_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
		Uploaders   int    `toml:"uploaders" env:"MEMBLK_S3_UPLOADERS" env-description:"S3 Max number of uploader threads." env-default:"16"`
		Downloaders int    `toml:"downloaders" env:"MEMBLK_S3_DOWNLOADERS" env-description:"S3 Max number of downloader threads." env-default:"16"`
	} `toml:"s3"`

	Control struct {
		Socket string `toml:"socket" env:"MEMBLK_CONTROL_SOCKET" env-description:"Path of the control socket." env-default:"/run/memblk.sock"`
	} `toml:"control"`

	Log struct {
		Level  int  `toml:"level" env:"MEMBLK_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"MEMBLK_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"MEMBLK_PROFILER" env-description:"Enable golang web profiler and /metrics endpoint." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"MEMBLK_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup()
	err := parse()

	return err
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	if Cfg.Pipeline.CompletionDelayMs < 0 {
		Cfg.Pipeline.CompletionDelayMs = 0
	}
	Cfg.Pipeline.CompletionDelay = time.Duration(Cfg.Pipeline.CompletionDelayMs) * time.Millisecond

	return nil
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("memblk", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}
