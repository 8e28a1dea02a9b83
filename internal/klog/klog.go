// Package klog provides component-scoped structured logging for the
// memory-management core. It is a thin wrapper over logrus so that every
// package logs through the same formatter and level configuration instead
// of reaching for fmt.Printf.
package klog

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	base     *logrus.Logger
	baseOnce sync.Once
)

func root() *logrus.Logger {
	baseOnce.Do(func() {
		base = logrus.New()
		base.SetOutput(os.Stderr)
		base.SetLevel(logrus.InfoLevel)
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   false,
			DisableColors:   true,
			PadLevelText:    true,
			QuoteEmptyFields: true,
		})
	})
	return base
}

// SetLevel adjusts the global verbosity, e.g. to logrus.DebugLevel in
// tests that want to see the fault-handling trace.
func SetLevel(lvl logrus.Level) {
	root().SetLevel(lvl)
}

// For returns a logger scoped to a single component ("buddy", "pagetable",
// "vma", "mmstruct", ...), tagged so entries can be filtered per subsystem.
func For(component string) *logrus.Entry {
	return root().WithField("component", component)
}
