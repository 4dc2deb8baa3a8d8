package types

// Logger is the logging contract every broker component depends on. It is
// injected at construction rather than resolved from a package-level
// singleton, so a process can run several independently-configured
// components (for instance under test) without sharing log state.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
	Panic(v ...interface{})
	Panicf(format string, v ...interface{})

	// ToggleDebug enables or disables Debug/Debugf output and returns the
	// new state.
	ToggleDebug(value bool) bool
}
