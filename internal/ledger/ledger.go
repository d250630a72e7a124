// Package ledger persists upload attempt outcomes, one line per attempt, so an
// interrupted run can resume without re-uploading delivered messages.
package ledger

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Outcome is the recorded result of one upload attempt.
type Outcome string

const (
	Success Outcome = "success"
	Fail    Outcome = "fail"
)

const (
	successPrefix = "[success] "
	failPrefix    = "[fail] "
)

// Ledger appends attempt records to a plain text file. Every Append is synced
// to disk before returning, so a crash leaves whole lines only. A single
// writer owns the file for the run; concurrent runs against the same path are
// unsupported.
type Ledger struct {
	f *os.File
}

// Open prepares the ledger file for appending. When resume is false any prior
// history is discarded.
func Open(path string, resume bool) (*Ledger, error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if !resume {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &Ledger{f: f}, nil
}

// Append records one attempt and flushes it to durable storage.
func (l *Ledger) Append(outcome Outcome, path string) error {
	if _, err := fmt.Fprintf(l.f, "[%s] %s\n", outcome, path); err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	return nil
}

func (l *Ledger) Close() error {
	return l.f.Close()
}

// LoadSuccesses parses a prior run's ledger and returns the set of absolute
// paths recorded as successfully uploaded. Failed attempts are ignored: they
// are retried on resume. A missing ledger yields an empty set.
func LoadSuccesses(path string) (map[string]struct{}, error) {
	uploaded := make(map[string]struct{})
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return uploaded, nil
		}
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, successPrefix) {
			continue
		}
		p := strings.TrimPrefix(line, successPrefix)
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		uploaded[p] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return uploaded, nil
}
