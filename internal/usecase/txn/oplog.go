package txn

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kailas-cloud/veckeep/internal/domain"
)

// OpLog is the append-only, newline-delimited JSON operation audit trail.
// Status transitions are recorded as separate lines; the latest line for an
// operation id wins.
type OpLog struct {
	mu   sync.Mutex
	path string
}

// NewOpLog creates the log's parent directory if needed.
func NewOpLog(path string) (*OpLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create operation log dir: %w", err)
	}
	return &OpLog{path: path}, nil
}

// Append writes one entry as a JSON line.
func (l *OpLog) Append(entry domain.OperationLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open operation log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode operation log entry: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append operation log: %w", err)
	}
	return nil
}

// ReadAll returns every logged entry in append order. Unparseable lines are
// skipped so one torn write does not hide the rest of the trail.
func (l *OpLog) ReadAll() ([]domain.OperationLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open operation log: %w", err)
	}
	defer f.Close()

	var entries []domain.OperationLogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e domain.OperationLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}
