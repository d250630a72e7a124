package scan

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pepperpark/emlsync/internal/label"
	"github.com/pepperpark/emlsync/internal/ledger"
)

func discardLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func writeFile(t *testing.T, path string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("Subject: x\r\n\r\nbody\r\n"), 0o644))
	abs, err := filepath.Abs(path)
	require.NoError(t, err)
	return abs
}

func TestCollectLabelsIncludeAncestors(t *testing.T) {
	base := t.TempDir()
	root := writeFile(t, filepath.Join(base, "root.eml"))
	deep := writeFile(t, filepath.Join(base, "Work", "Reports", "q3.eml"))

	items, labels, err := Collect(base, "ARCH-IMPORT", "/", nil, discardLogger())
	require.NoError(t, err)

	require.Len(t, items, 2)
	byPath := map[string]string{}
	for _, it := range items {
		byPath[it.SourcePath] = it.TargetLabel
	}
	assert.Equal(t, "ARCH_IMPORT", byPath[root])
	assert.Equal(t, "ARCH_IMPORT/Work/Reports", byPath[deep])

	// Work holds no .eml directly but still needs a folder of its own:
	// creating Work/Reports on the server does not create Work.
	assert.Equal(t, map[string]struct{}{
		"ARCH_IMPORT":              {},
		"ARCH_IMPORT/Work":         {},
		"ARCH_IMPORT/Work/Reports": {},
	}, labels)

	ordered := label.SortByDepth(labels, "/")
	assert.Equal(t, []string{"ARCH_IMPORT", "ARCH_IMPORT/Work", "ARCH_IMPORT/Work/Reports"}, ordered)
}

func TestCollectSkipsUploadedAndNonEml(t *testing.T) {
	base := t.TempDir()
	done := writeFile(t, filepath.Join(base, "done.eml"))
	todo := writeFile(t, filepath.Join(base, "todo.eml"))
	writeFile(t, filepath.Join(base, "notes.txt"))

	items, _, err := Collect(base, "ARCH-IMPORT", "/", map[string]struct{}{done: {}}, discardLogger())
	require.NoError(t, err)

	require.Len(t, items, 1)
	assert.Equal(t, todo, items[0].SourcePath)
}

func TestCollectCaseInsensitiveExtension(t *testing.T) {
	base := t.TempDir()
	upper := writeFile(t, filepath.Join(base, "SHOUT.EML"))

	items, _, err := Collect(base, "ARCH-IMPORT", "/", nil, discardLogger())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, upper, items[0].SourcePath)
}

func TestCollectSanitizesDirectoryNames(t *testing.T) {
	base := t.TempDir()
	writeFile(t, filepath.Join(base, "My Folder.Name!", "m.eml"))

	items, labels, err := Collect(base, "ARCH-IMPORT", "/", nil, discardLogger())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "ARCH_IMPORT/My_Folder_Name", items[0].TargetLabel)
	assert.Contains(t, labels, "ARCH_IMPORT/My_Folder_Name")
}

func TestCollectSkipsUnreadableDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	base := t.TempDir()
	ok := writeFile(t, filepath.Join(base, "ok.eml"))
	writeFile(t, filepath.Join(base, "Locked", "hidden.eml"))

	locked := filepath.Join(base, "Locked")
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { os.Chmod(locked, 0o755) })

	// The unreadable subtree is skipped, not fatal: everything else uploads.
	items, labels, err := Collect(base, "ARCH-IMPORT", "/", nil, discardLogger())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, ok, items[0].SourcePath)
	// The directory itself was visible, so its label is still provisioned.
	assert.Contains(t, labels, "ARCH_IMPORT/Locked")
}

func TestCollectMissingRootFails(t *testing.T) {
	_, _, err := Collect(filepath.Join(t.TempDir(), "nope"), "ARCH-IMPORT", "/", nil, discardLogger())
	assert.Error(t, err)
}

// Simulates a crash after two of three items and a --resume restart: the
// second run must pick up exactly the remainder, never a path already
// recorded as success.
func TestResumeAfterPartialRun(t *testing.T) {
	base := t.TempDir()
	a := writeFile(t, filepath.Join(base, "a.eml"))
	b := writeFile(t, filepath.Join(base, "b.eml"))
	c := writeFile(t, filepath.Join(base, "c.eml"))

	logPath := filepath.Join(t.TempDir(), "upload.log")
	led, err := ledger.Open(logPath, false)
	require.NoError(t, err)
	require.NoError(t, led.Append(ledger.Success, a))
	require.NoError(t, led.Append(ledger.Success, b))
	require.NoError(t, led.Close())

	uploaded, err := ledger.LoadSuccesses(logPath)
	require.NoError(t, err)

	items, _, err := Collect(base, "ARCH-IMPORT", "/", uploaded, discardLogger())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, c, items[0].SourcePath)

	// Path identity is what suppresses re-upload: recreating the file with
	// different content changes nothing.
	require.NoError(t, os.WriteFile(a, []byte("Subject: rewritten\r\n\r\nnew\r\n"), 0o644))
	items, _, err = Collect(base, "ARCH-IMPORT", "/", uploaded, discardLogger())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, c, items[0].SourcePath)
}

func TestCollectEmptyTree(t *testing.T) {
	base := t.TempDir()
	items, labels, err := Collect(base, "ARCH-IMPORT", "/", nil, discardLogger())
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, map[string]struct{}{"ARCH_IMPORT": {}}, labels)
}
