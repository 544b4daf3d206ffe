// Package applog sets up the process-wide structured logger. It keeps the
// teacher's bracketed "[component] message" texture but as a logrus field
// instead of a string prefix, so log lines stay greppable and gain
// structured fields for free.
package applog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logrus.Logger writing to stderr with a component field
// baked in, mirroring the call sites that used to read log.Printf("[x] ...").
func New(component string) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l.WithField("component", component)
}
