package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// CrankLog is one audit entry for a single delivered crank.
type CrankLog struct {
	Timestamp  time.Time `json:"timestamp"`
	CrankID    int64     `json:"crank_id"`
	ItemKind   string    `json:"item_kind"`
	Target     string    `json:"target,omitempty"`
	Endpoint   string    `json:"endpoint,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// CrankLogger records one line per crank, independent of the operational
// slog logger: it is meant to be replayed for audit/debugging, not for
// operator-facing diagnostics.
type CrankLogger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultCrankLogger = &CrankLogger{enabled: true}

// DefaultCrankLogger returns the process-wide crank logger.
func DefaultCrankLogger() *CrankLogger {
	return defaultCrankLogger
}

// SetOutput sets the crank log output file.
func (l *CrankLogger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console echo of crank entries.
func (l *CrankLogger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a crank audit entry.
func (l *CrankLogger) Log(entry *CrankLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}
	entry.Timestamp = time.Now()

	if l.console {
		status := "ok"
		if !entry.Success {
			status = "fail"
		}
		fmt.Printf("[crank %d] %s %s %s %dms\n", entry.CrankID, entry.ItemKind, entry.Target, status, entry.DurationMs)
		if entry.Error != "" {
			fmt.Printf("[crank %d]   error: %s\n", entry.CrankID, entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the crank log file.
func (l *CrankLogger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
