package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

const logDirEnvVar = "MISSIONCTL_LOG_DIR"

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "?"
	}
}

var (
	baseOnce   sync.Once
	baseLogger *fileLogger
)

// fileLogger writes component-tagged lines to missionctl-service.log under
// the resolved log directory, falling back to stderr when the file cannot
// be opened.
type fileLogger struct {
	mu        sync.Mutex
	out       *log.Logger
	level     Level
	component string
}

// NewComponentLogger returns the default application logger scoped to a
// component. All component loggers share one underlying file handle.
func NewComponentLogger(component string) Logger {
	base := getBaseLogger()
	return &fileLogger{
		out:       base.out,
		level:     base.level,
		component: component,
	}
}

func getBaseLogger() *fileLogger {
	baseOnce.Do(func() {
		baseLogger = &fileLogger{level: LevelDebug}
		dir, err := resolveLogDir()
		if err == nil {
			err = os.MkdirAll(dir, 0o755)
		}
		if err != nil {
			baseLogger.out = log.New(os.Stderr, "", 0)
			return
		}
		path := filepath.Join(dir, "missionctl-service.log")
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			baseLogger.out = log.New(os.Stderr, "", 0)
			return
		}
		baseLogger.out = log.New(file, "", 0)
	})
	return baseLogger
}

func resolveLogDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv(logDirEnvVar)); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".missionctl", "logs"), nil
}

func (l *fileLogger) log(level Level, format string, args ...any) {
	if level < l.level || l.out == nil {
		return
	}
	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}
	component := l.component
	if component == "" {
		component = "missionctl"
	}
	message := fmt.Sprintf(format, args...)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Printf("%s [%s] [%s] %s:%d - %s",
		time.Now().UTC().Format("2006-01-02 15:04:05"), level, component, file, line, message)
}

func (l *fileLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *fileLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *fileLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *fileLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }
