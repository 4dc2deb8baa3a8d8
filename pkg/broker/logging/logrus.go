// Package logging provides the default types.Logger implementation used
// when a caller does not supply its own. It follows the shape of the
// teacher's pkg/mcast/definition.DefaultLogger (same method set, same
// debug-toggle behavior) but backs it with logrus instead of the standard
// library's log.Logger, since logrus is the structured-logging choice the
// broader example corpus reaches for.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/freedm-dgi/broker/pkg/broker/types"
)

// Logrus adapts a *logrus.Logger to the types.Logger contract.
type Logrus struct {
	entry  *logrus.Logger
	fields logrus.Fields
	debug  bool
}

// New builds a Logrus logger writing to stderr with the given field set
// attached to every line (typically {"peer": uuid}).
func New(fields logrus.Fields) *Logrus {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logrus{entry: base, fields: fields}
}

func (l *Logrus) with() *logrus.Entry {
	return l.entry.WithFields(l.fields)
}

func (l *Logrus) Info(v ...interface{})                 { l.with().Info(v...) }
func (l *Logrus) Infof(format string, v ...interface{})  { l.with().Infof(format, v...) }
func (l *Logrus) Warn(v ...interface{})                  { l.with().Warn(v...) }
func (l *Logrus) Warnf(format string, v ...interface{})  { l.with().Warnf(format, v...) }
func (l *Logrus) Error(v ...interface{})                 { l.with().Error(v...) }
func (l *Logrus) Errorf(format string, v ...interface{}) { l.with().Errorf(format, v...) }

func (l *Logrus) Debug(v ...interface{}) {
	if l.debug {
		l.with().Debug(v...)
	}
}

func (l *Logrus) Debugf(format string, v ...interface{}) {
	if l.debug {
		l.with().Debugf(format, v...)
	}
}

func (l *Logrus) Fatal(v ...interface{})                 { l.with().Fatal(v...) }
func (l *Logrus) Fatalf(format string, v ...interface{})  { l.with().Fatalf(format, v...) }
func (l *Logrus) Panic(v ...interface{})                  { l.with().Panic(v...) }
func (l *Logrus) Panicf(format string, v ...interface{})  { l.with().Panicf(format, v...) }

// ToggleDebug implements types.Logger.
func (l *Logrus) ToggleDebug(value bool) bool {
	l.debug = value
	if value {
		l.entry.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.SetLevel(logrus.InfoLevel)
	}
	return l.debug
}

var _ types.Logger = (*Logrus)(nil)
