// Package report prints a directory tree annotated with per-directory total
// size and file count, for eyeballing an export before uploading it.
package report

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Tree writes the annotated tree rooted at dir to w.
func Tree(w io.Writer, dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	name := filepath.Base(abs)
	if name == string(filepath.Separator) || name == "." {
		name = dir
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}
	fmt.Fprintf(w, "%s (%.2f MB, %d files)\n", name, totalSizeMB(abs), countFiles(entries))

	subdirs := childDirs(entries, abs)
	for i, sub := range subdirs {
		printDir(w, sub, "", i == len(subdirs)-1)
	}
	return nil
}

func printDir(w io.Writer, dir, prefix string, last bool) {
	branch := "├── "
	childPrefix := prefix + "│   "
	if last {
		branch = "└── "
		childPrefix = prefix + "    "
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		reason := "Access Denied"
		if os.IsNotExist(err) {
			reason = "Not Found"
		}
		fmt.Fprintf(w, "%s%s[%s] %s\n", prefix, branch, reason, filepath.Base(dir))
		return
	}

	fmt.Fprintf(w, "%s%s%s (%.2f MB, %d files)\n", prefix, branch, filepath.Base(dir), totalSizeMB(dir), countFiles(entries))

	subdirs := childDirs(entries, dir)
	for i, sub := range subdirs {
		printDir(w, sub, childPrefix, i == len(subdirs)-1)
	}
}

func countFiles(entries []os.DirEntry) int {
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n
}

func childDirs(entries []os.DirEntry, parent string) []string {
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(parent, e.Name()))
		}
	}
	sort.Slice(dirs, func(i, j int) bool {
		return strings.ToLower(dirs[i]) < strings.ToLower(dirs[j])
	})
	return dirs
}

// totalSizeMB sums regular file sizes under dir, symlinks excluded.
// Unreadable entries are skipped rather than failing the report.
func totalSizeMB(dir string) float64 {
	var total int64
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return float64(total) / (1024 * 1024)
}
