// Package mboxconv splits a monolithic mbox archive (such as a Google
// Takeout export) into individual .eml files, grouped into directories by
// their highest-priority Gmail label.
package mboxconv

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"mime"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/emersion/go-mbox"
	"github.com/emersion/go-message/charset"
	"github.com/sirupsen/logrus"
)

// Labels that describe message state rather than a folder; never used for
// grouping.
var ignoreLabels = map[string]struct{}{
	"Opened":               {},
	"Archived":             {},
	"Unread":               {},
	"Important":            {},
	"Category Forums":      {},
	"Category Personal":    {},
	"Category Promotions":  {},
	"Category Purchases":   {},
	"Category Travel":      {},
	"Category Updates":     {},
	"Read Receipt Sent":    {},
	"IMAP_NOTJUNK":         {},
	"IMAP_NonJunk":         {},
	"IMAP_receipt-handled": {},
}

// fallbackLabel groups messages carrying no usable label at all.
const fallbackLabel = "Other"

var wordDecoder = mime.WordDecoder{CharsetReader: charset.Reader}

type Options struct {
	MboxPath     string
	OutDir       string // default "emails"
	PriorityPath string // optional label priority file, one label per line
	LabelsFile   string // default "labels.txt"
	ListOnly     bool   // only collect labels, extract nothing
}

// Summary reports what a conversion produced.
type Summary struct {
	Messages int
	Labels   []string // sorted
}

// Converter extracts an mbox archive.
type Converter struct {
	opts     Options
	priority map[string]int
	log      *logrus.Entry
}

func New(opts Options, log *logrus.Entry) (*Converter, error) {
	if opts.OutDir == "" {
		opts.OutDir = "emails"
	}
	if opts.LabelsFile == "" {
		opts.LabelsFile = "labels.txt"
	}
	prio, err := loadPriority(opts.PriorityPath)
	if err != nil {
		return nil, err
	}
	return &Converter{opts: opts, priority: prio, log: log}, nil
}

// loadPriority reads one label per line; earlier lines win. Without a file,
// "Sent" outranks everything so a sent message filed under several labels
// lands in Sent.
func loadPriority(path string) (map[string]int, error) {
	if path == "" {
		return map[string]int{"Sent": 0}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read priority file: %w", err)
	}
	prio := make(map[string]int)
	idx := 0
	for _, line := range strings.Split(string(b), "\n") {
		l := strings.TrimSpace(line)
		if l == "" {
			continue
		}
		if _, ok := prio[l]; !ok {
			prio[l] = idx
			idx++
		}
	}
	return prio, nil
}

// Run streams the archive and returns the label summary. Individual message
// failures are logged and skipped.
func (c *Converter) Run() (Summary, error) {
	f, err := os.Open(c.opts.MboxPath)
	if err != nil {
		return Summary{}, fmt.Errorf("open mbox: %w", err)
	}
	defer f.Close()

	labelSet := make(map[string]struct{})
	var sum Summary

	r := mbox.NewReader(f)
	for idx := 0; ; idx++ {
		mr, err := r.NextMessage()
		if err == io.EOF {
			break
		}
		if err != nil {
			return sum, fmt.Errorf("read mbox: %w", err)
		}
		raw, err := io.ReadAll(mr)
		if err != nil {
			return sum, fmt.Errorf("read message %d: %w", idx, err)
		}
		sum.Messages++

		labels, msgID := headerInfo(raw)
		kept := labels[:0]
		for _, l := range labels {
			if _, skip := ignoreLabels[l]; !skip && l != "" {
				kept = append(kept, l)
				labelSet[l] = struct{}{}
			}
		}
		if c.opts.ListOnly {
			continue
		}
		if err := c.writeMessage(raw, kept, msgID, idx); err != nil {
			c.log.WithError(err).WithField("index", idx).Warn("skipping message")
		}
	}

	sum.Labels = make([]string, 0, len(labelSet))
	for l := range labelSet {
		sum.Labels = append(sum.Labels, l)
	}
	sort.Strings(sum.Labels)

	if err := c.writeLabelList(sum.Labels); err != nil {
		return sum, err
	}
	return sum, nil
}

func (c *Converter) writeLabelList(labels []string) error {
	var b strings.Builder
	for _, l := range labels {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(c.opts.LabelsFile, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write label list: %w", err)
	}
	return nil
}

func (c *Converter) writeMessage(raw []byte, labels []string, msgID string, idx int) error {
	chosen := c.pickLabel(labels)
	dir := c.opts.OutDir
	for _, part := range strings.Split(chosen, "/") {
		dir = filepath.Join(dir, sanitizeFolderName(part))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	base := fmt.Sprintf("email_%d_%s", idx, randomString(6))
	if msgID != "" {
		id := sanitizeFileName(strings.Trim(msgID, "<>"))
		if len(id) > 200 {
			id = id[:200]
		}
		base = id + "_" + randomString(6)
	}
	path := filepath.Join(dir, base+".eml")
	for n := 1; ; n++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(dir, fmt.Sprintf("%s_%d.eml", base, n))
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// pickLabel chooses the highest-priority label; labels missing from the
// priority list rank below every listed one, and no labels at all falls back
// to "Other".
func (c *Converter) pickLabel(labels []string) string {
	chosen := ""
	best := len(c.priority) + 1
	for _, l := range labels {
		p, ok := c.priority[l]
		if !ok {
			p = len(c.priority) + 1
		}
		if chosen == "" || p < best {
			chosen = l
			best = p
		}
	}
	if chosen == "" {
		return fallbackLabel
	}
	return chosen
}

// headerInfo pulls the Gmail labels and Message-ID out of a raw message.
// A message whose headers cannot be parsed simply has neither.
func headerInfo(raw []byte) (labels []string, msgID string) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, ""
	}
	for _, h := range msg.Header["X-Gmail-Labels"] {
		labels = append(labels, ParseLabels(h)...)
	}
	return labels, msg.Header.Get("Message-Id")
}

// ParseLabels splits one X-Gmail-Labels header value into labels: MIME
// encoded-words are decoded, folding whitespace removed, and commas inside
// double quotes do not separate.
func ParseLabels(header string) []string {
	header = strings.ReplaceAll(header, "\r", "")
	header = strings.ReplaceAll(header, "\n", "")
	if dec, err := wordDecoder.DecodeHeader(header); err == nil {
		header = dec
	}

	var labels []string
	var cur strings.Builder
	inQuotes := false
	flush := func() {
		l := strings.Trim(strings.TrimSpace(cur.String()), `"`)
		if l != "" {
			labels = append(labels, l)
		}
		cur.Reset()
	}
	for _, r := range header {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case r == ',' && !inQuotes:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return labels
}

// sanitizeFolderName strips characters that are invalid in directory names on
// common filesystems.
func sanitizeFolderName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			return '_'
		}
		return r
	}, name)
}

// sanitizeFileName keeps a conservative portable character set.
func sanitizeFileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.' || r == '(' || r == ')' || r == ' ':
			return r
		}
		return '_'
	}, name)
}

const randomAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = randomAlphabet[rand.Intn(len(randomAlphabet))]
	}
	return string(b)
}
