package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "BANYAN"
	FileName  = "config.yaml"
)

const (
	DefaultEndpoint        = "https://api.banyan.computer"
	DefaultUploadThreshold = "64MiB"
)

type Config struct {
	DataDir  string `mapstructure:"datadir"`
	Endpoint string `mapstructure:"endpoint"`
	// Gateway is a trustless gateway used to fetch blocks missing locally.
	Gateway string `mapstructure:"gateway"`
	// UploadThreshold bounds the size of a single upload batch, e.g. "64MiB".
	UploadThreshold string    `mapstructure:"upload_threshold"`
	Datastore       Datastore `mapstructure:"datastore"`
}

// Threshold parses UploadThreshold into bytes.
func (c Config) Threshold() (uint64, error) {
	n, err := units.RAMInBytes(c.UploadThreshold)
	if err != nil {
		return 0, fmt.Errorf("parsing upload threshold: %w", err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("upload threshold must be positive: %s", c.UploadThreshold)
	}
	return uint64(n), nil
}

type Datastore struct {
	// Backend is one of memory, leveldb, flatfs, badger or s3.
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	S3      S3     `mapstructure:"s3"`
}

type S3 struct {
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Prefix         string `mapstructure:"prefix"`
	AccessKey      string `mapstructure:"access_key"`
	SecretKey      string `mapstructure:"secret_key"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// Load reads configuration from file, falling back to <dataDir>/config.yaml
// when file is empty. Environment variables prefixed BANYAN_ override file
// values, e.g. BANYAN_DATASTORE_BACKEND. A missing default file is not an
// error.
func Load(fsys afero.Fs, dataDir, file string) (Config, error) {
	v := viper.New()
	v.SetFs(fsys)
	v.SetDefault("datadir", dataDir)
	v.SetDefault("endpoint", DefaultEndpoint)
	v.SetDefault("gateway", "")
	v.SetDefault("upload_threshold", DefaultUploadThreshold)
	v.SetDefault("datastore.backend", "leveldb")
	v.SetDefault("datastore.path", "")
	v.SetDefault("datastore.s3.bucket", "")
	v.SetDefault("datastore.s3.region", "")
	v.SetDefault("datastore.s3.endpoint", "")
	v.SetDefault("datastore.s3.prefix", "")
	v.SetDefault("datastore.s3.access_key", "")
	v.SetDefault("datastore.s3.secret_key", "")
	v.SetDefault("datastore.s3.force_path_style", false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	optional := file == ""
	if optional {
		file = filepath.Join(dataDir, FileName)
	}
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		if !optional || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("reading config: %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.Datastore.Path == "" {
		cfg.Datastore.Path = filepath.Join(cfg.DataDir, "blocks")
	}
	if _, err := cfg.Threshold(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
