// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package plog holds the process-wide logrus configuration shared by
// every component of this module: the level knob the CLI exposes, and
// the default entry a component logs through when its caller doesn't
// supply one.
package plog

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// SetLevel sets the standard logger's level, accepting the same string
// forms logrus.ParseLevel understands ("debug", "info", "warn", ...).
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("plog: %w", err)
	}
	logrus.SetLevel(lvl)
	return nil
}

// Entry returns a fresh logrus.Entry off the standard logger, used to
// seed a component's default Logger option (internal/tree.WithLogger,
// internal/mergetree.WithLogger) when the caller doesn't supply one.
func Entry() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}
