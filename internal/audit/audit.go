// Package audit is the append-only trail of LUMENFLOW_FORCE bypass usage:
// a dedicated, best-effort, never-fails-the-caller append-only sink.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry records one FORCE-bypass push.
type Entry struct {
	Operation string    `json:"operation"`
	WUID      string    `json:"wuId,omitempty"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is an append-only audit trail bound to a single file.
type Log struct {
	path string
	mu   sync.Mutex
}

// Open binds a Log to path, creating its parent directory.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Log{path: path}, nil
}

// Record appends one entry. Audit logging is best-effort and never fails
// the parent operation, so write failures are swallowed.
func (l *Log) Record(e Entry) error {
	if l == nil {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil
	}
	defer f.Close()
	_, _ = f.Write(append(data, '\n'))
	return nil
}
