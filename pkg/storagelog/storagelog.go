// Package storagelog implements a leveled logger for storagecore packages,
// formatted the same way across build variants so log lines are stable
// whether or not colorized output is requested.
package storagelog

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
)

type messageLevel int

const (
	FatalLevel messageLevel = iota - 4
	ErrorLevel
	WarnLevel
	LogLevel
	InfoLevel
	VerboseLevel
	Verbose2Level
	Verbose3Level
	DebugLevel
)

func (l messageLevel) String() string {
	switch l {
	case FatalLevel:
		return "FATAL"
	case ErrorLevel:
		return "ERROR"
	case WarnLevel:
		return "WARNING"
	case LogLevel:
		return "LOG"
	case InfoLevel:
		return "INFO"
	case VerboseLevel, Verbose2Level, Verbose3Level:
		return "VERBOSE"
	case DebugLevel:
		return "DEBUG"
	}
	return "????"
}

var messageColors = map[messageLevel]string{
	FatalLevel: "\x1b[31m",
	ErrorLevel: "\x1b[31m",
	WarnLevel:  "\x1b[33m",
	InfoLevel:  "\x1b[34m",
}

var (
	noColorLevel messageLevel = 90
	loggerLevel               = InfoLevel
	logWriter    io.Writer    = os.Stderr
)

func init() {
	if l, err := strconv.Atoi(os.Getenv(EnvVar)); err == nil {
		loggerLevel = messageLevel(l)
	}
}

// EnvVar is the environment variable read at process start (and propagated
// to child processes) to set the initial log level.
const EnvVar = "CRYPTOHOME_STORAGE_MESSAGELEVEL"

func getLoggerLevel() messageLevel {
	if loggerLevel <= -noColorLevel {
		return loggerLevel + noColorLevel
	} else if loggerLevel >= noColorLevel {
		return loggerLevel - noColorLevel
	}
	return loggerLevel
}

func prefix(logLevel, msgLevel messageLevel) string {
	colorReset := "\x1b[0m"
	messageColor, ok := messageColors[msgLevel]
	if !ok || logLevel != loggerLevel {
		colorReset = ""
		messageColor = ""
	}

	if logLevel < DebugLevel {
		return fmt.Sprintf("%s%-8s%s ", messageColor, msgLevel.String()+":", colorReset)
	}

	pc, _, _, ok := runtime.Caller(3)
	details := runtime.FuncForPC(pc)

	var funcName string
	if ok && details == nil {
		funcName = "????()"
	} else {
		split := strings.Split(details.Name(), ".")
		funcName = split[len(split)-1] + "()"
	}

	uid := os.Geteuid()
	pid := os.Getpid()
	uidStr := fmt.Sprintf("[U=%d,P=%d]", uid, pid)

	return fmt.Sprintf("%s%-8s%s%-19s%-30s", messageColor, msgLevel, colorReset, uidStr, funcName)
}

func writef(msgLevel messageLevel, format string, a ...interface{}) {
	logLevel := getLoggerLevel()
	if logLevel < msgLevel {
		return
	}
	message := strings.TrimRight(fmt.Sprintf(format, a...), "\n")
	fmt.Fprintf(logWriter, "%s%s\n", prefix(logLevel, msgLevel), message)
}

// Fatalf logs at FatalLevel then terminates the process. Library code
// reachable from tests must not call this; reserve it for cmd/ entrypoints.
func Fatalf(format string, a ...interface{}) {
	writef(FatalLevel, format, a...)
	os.Exit(255)
}

// Errorf logs an error that is also being returned to the caller.
func Errorf(format string, a ...interface{}) {
	writef(ErrorLevel, format, a...)
}

// Warningf logs a non-fatal, possibly-actionable condition.
func Warningf(format string, a ...interface{}) {
	writef(WarnLevel, format, a...)
}

// Infof logs at the default visible level.
func Infof(format string, a ...interface{}) {
	writef(InfoLevel, format, a...)
}

// Verbosef logs fine-grained progress, off by default.
func Verbosef(format string, a ...interface{}) {
	writef(VerboseLevel, format, a...)
}

// Debugf logs the most granular detail, off by default.
func Debugf(format string, a ...interface{}) {
	writef(DebugLevel, format, a...)
}

// SetLevel sets the active log level; color is disabled when color is false.
func SetLevel(l int, color bool) {
	loggerLevel = messageLevel(l)
	if !color {
		if loggerLevel >= InfoLevel {
			loggerLevel += noColorLevel
		} else if loggerLevel <= LogLevel {
			loggerLevel -= noColorLevel
		}
	}
}

// GetLevel returns the active level as a plain integer (color bit stripped).
func GetLevel() int {
	return int(getLoggerLevel())
}

// GetEnvVar returns an EnvVar=level string suitable for propagating the
// current level to a child process's environment.
func GetEnvVar() string {
	return fmt.Sprintf("%s=%d", EnvVar, loggerLevel)
}

// Writer exposes the active log writer, or io.Discard when the level is
// LogLevel or lower, for handing to external packages that want a logging
// sink.
func Writer() io.Writer {
	if loggerLevel <= LogLevel {
		return io.Discard
	}
	return logWriter
}

// SetWriter installs a new writer and returns the previous one, so tests can
// capture output and restore it afterward.
func SetWriter(w io.Writer) io.Writer {
	old := logWriter
	if w != nil {
		logWriter = w
	}
	return old
}
