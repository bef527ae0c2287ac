// Logging for sshget
//
// This package wraps logrus with object-aware helpers: the first argument
// gives context and, when non-nil, prefixes the message with its String().

package fs

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

var logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// InitLogging configures the global log level. With verbose set, debug
// output is shown.
func InitLogging(verbose bool) {
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
}

func withObject(o interface{}, text string) string {
	if o == nil {
		return text
	}
	return fmt.Sprintf("%v: %s", o, text)
}

// Debugf writes debug level output for o.
func Debugf(o interface{}, text string, args ...interface{}) {
	logger.Debugf(withObject(o, text), args...)
}

// Infof writes info level output for o.
func Infof(o interface{}, text string, args ...interface{}) {
	logger.Infof(withObject(o, text), args...)
}

// Errorf writes error level output for o.
func Errorf(o interface{}, text string, args ...interface{}) {
	logger.Errorf(withObject(o, text), args...)
}
