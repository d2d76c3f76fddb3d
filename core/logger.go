package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// ProductionLogger provides self-contained logging for the SDK.
// The SDK is embedded in host applications, so the logger must never panic,
// never block the caller on I/O errors, and keep error output rate-limited
// during sustained failures.
//
// Format selection:
//   - JSON when running under Kubernetes (KUBERNETES_SERVICE_HOST set)
//   - text for local development
//   - explicit override via AICM_LOG_FORMAT
type ProductionLogger struct {
	level  string
	format string
	output io.Writer
	mu     sync.RWMutex

	// minimum gap between ERROR lines; prevents log flooding when the
	// tracking service is down
	errorEvery time.Duration
	lastError  time.Time
}

// NewProductionLogger creates a logger honoring the given level.
// Level resolution: explicit argument, then AICM_LOG_LEVEL, then INFO.
func NewProductionLogger(level string) *ProductionLogger {
	if level == "" {
		level = os.Getenv("AICM_LOG_LEVEL")
	}
	if level == "" {
		level = "INFO"
	}
	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if envFormat := os.Getenv("AICM_LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}
	return &ProductionLogger{
		level:      strings.ToUpper(level),
		format:     format,
		output:     os.Stderr,
		errorEvery: time.Second,
	}
}

// Info logs informational messages
func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

// Warn logs warning messages
func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

// Error logs error messages with rate limiting
func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.mu.Lock()
	if time.Since(l.lastError) < l.errorEvery {
		l.mu.Unlock()
		return
	}
	l.lastError = time.Now()
	l.mu.Unlock()
	l.log("ERROR", msg, fields)
}

// Debug logs debug messages (only at DEBUG level)
func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log("DEBUG", msg, fields)
}

// SetOutput changes the output writer (useful for testing)
func (l *ProductionLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

// SetLevel dynamically updates the log level
func (l *ProductionLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = strings.ToUpper(level)
}

func (l *ProductionLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.shouldLog(level) {
		return
	}
	timestamp := time.Now().Format(time.RFC3339)
	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

func (l *ProductionLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"component": "aicm",
		"message":   msg,
	}
	for k, v := range fields {
		if k != "timestamp" && k != "level" && k != "component" && k != "message" {
			entry[k] = v
		}
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *ProductionLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var fieldStr strings.Builder
	if len(fields) > 0 {
		fieldStr.WriteString(" ")
		if err, ok := fields["error"]; ok {
			fieldStr.WriteString(fmt.Sprintf("error=%q ", fmt.Sprintf("%v", err)))
		}
		for k, v := range fields {
			if k == "error" {
				continue
			}
			fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
		}
	}
	fmt.Fprintf(l.output, "%s [%s] [aicm] %s%s\n", timestamp, level, msg, fieldStr.String())
}

func (l *ProductionLogger) shouldLog(level string) bool {
	levels := map[string]int{
		"DEBUG": 0,
		"INFO":  1,
		"WARN":  2,
		"ERROR": 3,
	}
	currentLevel, ok1 := levels[l.level]
	messageLevel, ok2 := levels[level]
	if !ok1 || !ok2 {
		return true
	}
	return messageLevel >= currentLevel
}
