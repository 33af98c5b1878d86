// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// atomicEncode writes a to a temp file beside path and renames it into
// place, so a crash mid-write never leaves a truncated config file.
func atomicEncode(path string, a any) error {
	name, err := func() (string, error) {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
		tmp := fmt.Sprintf("%s/.perspectivedb-%d.toml", dir, time.Now().UnixNano())
		fd, err := os.Create(tmp)
		if err != nil {
			return "", err
		}
		defer fd.Close()
		enc := toml.NewEncoder(fd)
		enc.Indent = ""
		if err := enc.Encode(a); err != nil {
			return tmp, err
		}
		return tmp, nil
	}()
	if err != nil {
		if len(name) != 0 {
			_ = os.Remove(name)
		}
		return err
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}

// Encode writes cfg to path.
func Encode(path string, cfg *Config) error {
	if cfg == nil || len(path) == 0 {
		return ErrInvalidArgument
	}
	return atomicEncode(path, cfg)
}

// EncodeGlobal writes cfg to the user's global config path.
func EncodeGlobal(cfg *Config) error {
	if cfg == nil {
		return ErrInvalidArgument
	}
	path := globalPath()
	if len(path) == 0 {
		return ErrInvalidArgument
	}
	return atomicEncode(path, cfg)
}
