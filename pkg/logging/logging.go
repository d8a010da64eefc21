// Package logging defines the logging interface shared by all runner
// components.
package logging

import (
	"github.com/sirupsen/logrus"
)

// Logger is the logging interface used throughout the runner. It is satisfied
// by both *logrus.Logger and *logrus.Entry, allowing components to receive
// either the root logger or an entry scoped with a component field.
type Logger = logrus.FieldLogger

// ForComponent returns a logger entry scoped to the named component.
func ForComponent(log *logrus.Logger, name string) Logger {
	return log.WithField("component", name)
}
