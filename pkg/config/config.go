// Package config loads repository configuration and opens the backend it
// selects. Configuration comes from a yaml file resolved through viper,
// with environment overrides under the STRATA_ prefix.
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	units "github.com/docker/go-units"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/strata-vcs/strata/pkg/backend"
	"github.com/strata-vcs/strata/pkg/backend/badgerdb"
	"github.com/strata-vcs/strata/pkg/backend/memory"
	"github.com/strata-vcs/strata/pkg/backend/oblob"
	"github.com/strata-vcs/strata/pkg/backend/sqldb"
	"github.com/strata-vcs/strata/pkg/dlogger"
	"github.com/strata-vcs/strata/pkg/storage/gcs"
	"github.com/strata-vcs/strata/pkg/storage/localfs"
	"github.com/strata-vcs/strata/pkg/storage/sthree"
)

// Backend selectors accepted in configuration
const (
	BackendMemory  = "memory"
	BackendSQLite  = "sqlite"
	BackendMySQL   = "mysql"
	BackendBadger  = "badger"
	BackendLocalFS = "localfs"
	BackendGCS     = "gcs"
	BackendS3      = "s3"
)

// Config describes one repository deployment.
type Config struct {
	// bug in viper? Need to keep names of fields the same as the serialized names..
	Backend   string `json:"backend" yaml:"backend"`       // Backend selector, e.g. "sqlite"
	Path      string `json:"path" yaml:"path"`             // Directory or file for embedded backends
	DSN       string `json:"dsn" yaml:"dsn"`               // Dial string for mysql
	Bucket    string `json:"bucket" yaml:"bucket"`         // Bucket for gcs and s3
	MaxStaged string `json:"max_staged" yaml:"max_staged"` // Staged-write budget, e.g. "256MB"
	LogLevel  string `json:"log_level" yaml:"log_level"`   // "info", "debug" or "none"
}

// Load resolves configuration from an explicit file, or from strata.yaml in
// the working directory and $HOME/.strata when path is empty. A missing
// file yields the zero config so environment overrides still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("strata")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join("$HOME", ".strata"))
	}
	v.SetEnvPrefix("strata")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// StagedBytes parses the staged-write budget, falling back to the
// coordinator default when unset
func (c *Config) StagedBytes() (int64, error) {
	if c.MaxStaged == "" {
		return backend.DefaultMaxStagedBytes, nil
	}
	n, err := units.RAMInBytes(c.MaxStaged)
	if err != nil {
		return 0, fmt.Errorf("invalid max_staged %q: %w", c.MaxStaged, err)
	}
	return n, nil
}

// Open builds the backend the configuration selects
func (c *Config) Open(ctx context.Context) (backend.Backend, error) {
	logger, err := dlogger.GetLogger(c.LogLevel)
	if err != nil {
		return nil, err
	}
	staged, err := c.StagedBytes()
	if err != nil {
		return nil, err
	}

	switch c.Backend {
	case BackendMemory, "":
		return memory.New(
			memory.Logger(logger),
			memory.MaxStagedBytes(staged),
		), nil
	case BackendSQLite:
		return sqldb.Open(sqldb.DriverSQLite, c.Path,
			sqldb.Logger(logger),
			sqldb.MaxStagedBytes(staged),
		)
	case BackendMySQL:
		return sqldb.Open(sqldb.DriverMySQL, c.DSN,
			sqldb.Logger(logger),
			sqldb.MaxStagedBytes(staged),
		)
	case BackendBadger:
		return badgerdb.Open(c.Path,
			badgerdb.Logger(logger),
			badgerdb.MaxStagedBytes(staged),
		)
	case BackendLocalFS:
		var fs afero.Fs
		if c.Path != "" {
			fs = afero.NewBasePathFs(afero.NewOsFs(), c.Path)
		}
		return oblob.New(localfs.New(fs),
			oblob.Logger(logger),
			oblob.MaxStagedBytes(staged),
		), nil
	case BackendGCS:
		blobs, err := gcs.New(ctx, c.Bucket, gcs.Logger(logger))
		if err != nil {
			return nil, err
		}
		return oblob.New(blobs,
			oblob.Logger(logger),
			oblob.MaxStagedBytes(staged),
		), nil
	case BackendS3:
		return oblob.New(sthree.New(sthree.Bucket(c.Bucket)),
			oblob.Logger(logger),
			oblob.MaxStagedBytes(staged),
		), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", c.Backend)
	}
}
