// Package scan walks a local .eml tree and maps each message file to the IMAP
// folder it should be appended to.
package scan

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pepperpark/emlsync/internal/label"
)

// WorkItem pairs a message file with its destination folder. SourcePath is
// always absolute so ledger comparisons are stable regardless of the working
// directory a run was started from.
type WorkItem struct {
	SourcePath  string
	TargetLabel string
}

// Collect walks baseDir and returns, in walk order, one WorkItem per .eml file
// not already present in uploaded, plus the set of every folder name the run
// needs. Each visited directory contributes its label even when it holds no
// eligible file: creating a deep IMAP folder does not implicitly create its
// ancestors, so intermediate levels must be provisioned too.
func Collect(baseDir, parent, delim string, uploaded map[string]struct{}, log *logrus.Entry) ([]WorkItem, map[string]struct{}, error) {
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve source directory: %w", err)
	}

	var items []WorkItem
	labels := make(map[string]struct{})

	err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Only an unreachable source root fails the run; an unreadable
			// entry further down is skipped so everything else still uploads.
			if path == base {
				return err
			}
			log.WithError(err).WithField("path", path).Warn("skipping unreadable entry")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			labels[labelFor(base, path, parent, delim)] = struct{}{}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(d.Name()), ".eml") {
			return nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		if _, done := uploaded[abs]; done {
			return nil
		}
		items = append(items, WorkItem{
			SourcePath:  abs,
			TargetLabel: labelFor(base, filepath.Dir(path), parent, delim),
		})
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walk %s: %w", base, err)
	}
	return items, labels, nil
}

// labelFor maps a directory under base to its sanitized folder name rooted at
// parent.
func labelFor(base, dir, parent, delim string) string {
	rel, err := filepath.Rel(base, dir)
	if err != nil || rel == "." {
		return label.Sanitize(parent, delim)
	}
	sub := strings.ReplaceAll(rel, string(filepath.Separator), delim)
	return label.Sanitize(parent+delim+sub, delim)
}
