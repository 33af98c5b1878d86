// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"strings"
	"time"
)

// Duration decodes a TOML string like "500ms" or "2s" via
// time.ParseDuration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// triState is a bool that additionally remembers "never set", so
// Config.Overwrite can tell a config file's explicit "false" apart
// from an absent key.
type triState int

const (
	unset triState = iota
	isTrue
	isFalse
)

// Tristate is a TOML-decodable tri-state boolean.
type Tristate struct {
	val triState
}

func (b *Tristate) UnmarshalTOML(a any) error {
	switch v := a.(type) {
	case bool:
		if v {
			b.val = isTrue
		} else {
			b.val = isFalse
		}
	case string:
		switch strings.ToLower(v) {
		case "true", "yes", "on", "1":
			b.val = isTrue
		case "false", "no", "off", "0":
			b.val = isFalse
		}
	}
	return nil
}

// MarshalTOML renders the tri-state as a plain TOML boolean. An unset
// Tristate is omitted by the omitzero struct tag before this is ever
// called, so only explicit true/false reach the file.
func (b Tristate) MarshalTOML() ([]byte, error) {
	if b.val == isTrue {
		return []byte("true"), nil
	}
	return []byte("false"), nil
}

// IsSet reports whether this field was present in a decoded file.
func (b Tristate) IsSet() bool { return b.val != unset }

// Value returns the decoded boolean, defaulting to dv if never set.
func (b Tristate) Value(dv bool) bool {
	switch b.val {
	case isTrue:
		return true
	case isFalse:
		return false
	default:
		return dv
	}
}

// Overwrite takes o's value if o was ever set.
func (b *Tristate) Overwrite(o Tristate) {
	if o.IsSet() {
		b.val = o.val
	}
}
