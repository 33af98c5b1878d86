// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// EnvConfigGlobal names the environment variable that overrides the
// default global config path.
const EnvConfigGlobal = "PERSPECTIVEDB_CONFIG_GLOBAL"

func globalPath() string {
	if p, ok := os.LookupEnv(EnvConfigGlobal); ok {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".perspectivedb.toml")
}

// LoadGlobal decodes the user's global config file, returning a zero
// Config (not an error) if the file does not exist.
func LoadGlobal() (*Config, error) {
	var cfg Config
	path := globalPath()
	if len(path) == 0 {
		return &cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, err
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load decodes path and overwrites it onto the global config (Load
// always succeeds with at least the global config if path is empty).
func Load(path string) (*Config, error) {
	cfg, err := LoadGlobal()
	if err != nil {
		return nil, err
	}
	if len(path) == 0 {
		return cfg, nil
	}
	var local Config
	if _, err := toml.DecodeFile(path, &local); err != nil {
		return nil, err
	}
	cfg.Overwrite(&local)
	return cfg, nil
}
