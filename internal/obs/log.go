package obs

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
	minLevel   atomic.Int32
)

// Level orders log severities.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel maps a configuration string onto a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetLevel drops log lines below l.
func SetLevel(l Level) { minLevel.Store(int32(l)) }

func init() { minLevel.Store(int32(LevelInfo)) }

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// Debug, Info, Warn and Error emit one JSON object per line.
func Debug(msg string, fields map[string]any) { emit(LevelDebug, msg, fields) }
func Info(msg string, fields map[string]any)  { emit(LevelInfo, msg, fields) }
func Warn(msg string, fields map[string]any)  { emit(LevelWarn, msg, fields) }
func Error(msg string, fields map[string]any) { emit(LevelError, msg, fields) }

func emit(level Level, msg string, fields map[string]any) {
	if int32(level) < minLevel.Load() {
		return
	}
	entry := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["msg"] = msg
	WriteJSON(entry)
}

// WriteJSON writes entry as a single JSON line.
func WriteJSON(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}
