package gate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/highwatermark/cortexcore/internal/observ"
)

// Entry is one line of the gate audit trail.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Kind      string    `json:"kind"` // entry | exit
	Ref       string    `json:"ref"`  // signal id or position id
	Ticker    string    `json:"ticker"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason"`
	Code      int       `json:"code"`
	Checked   []int     `json:"checked"`
	Detail    string    `json:"detail,omitempty"`
}

// Auditor appends gate decisions to a JSONL file. The trail is the
// durable record that every order attempt went through the checks, so a
// write failure is logged loudly rather than swallowed silently.
type Auditor struct {
	mu   sync.Mutex
	file *os.File
}

func NewAuditor(path string) (*Auditor, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit trail: %w", err)
	}
	return &Auditor{file: f}, nil
}

func (a *Auditor) Record(e Entry) {
	line, err := json.Marshal(e)
	if err != nil {
		observ.Log("audit_marshal_error", map[string]any{"error": err.Error()})
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.file.Write(append(line, '\n')); err != nil {
		observ.Log("audit_write_error", map[string]any{"error": err.Error()})
		observ.IncCounter("audit_write_errors_total", nil)
	}
}

func (a *Auditor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}
