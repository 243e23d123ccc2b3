package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Options controls where Load looks for configuration.
type Options struct {
	// Paths are the directories searched for the config file, in order.
	Paths []string
	// Name is the config file name without extension.
	Name string
	// File, when set, is used verbatim instead of Paths/Name.
	File string
	// EnvPrefix namespaces automatic environment lookups, e.g. "CANVAS"
	// makes "room" readable from CANVAS_ROOM.
	EnvPrefix string
}

// Load reads configuration from a YAML file and environment variables.
// A missing config file is not an error; defaults and env vars still apply.
func Load(opts Options) (*viper.Viper, error) {
	v := viper.New()

	v.SetConfigType("yaml")
	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName(opts.Name)
		for _, p := range opts.Paths {
			v.AddConfigPath(p)
		}
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if opts.EnvPrefix != "" {
		v.SetEnvPrefix(opts.EnvPrefix)
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return v, nil
		}
		if opts.File == "" && os.IsNotExist(err) {
			return v, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return v, nil
}
