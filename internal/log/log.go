// Package log wires up the structured logger every other package accepts as
// a logrus.FieldLogger.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Init returns a logrus.Logger configured with full timestamps and the
// given level name, falling back to info on an unparsable level.
func Init(level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}
