// Package uploader provisions the remote folder hierarchy and drives the
// sequential per-message upload loop with its persisted attempt ledger.
package uploader

import (
	"bytes"
	"fmt"
	"net/mail"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pepperpark/emlsync/internal/imaputil"
	"github.com/pepperpark/emlsync/internal/label"
	"github.com/pepperpark/emlsync/internal/ledger"
	"github.com/pepperpark/emlsync/internal/scan"
	"github.com/pepperpark/emlsync/internal/session"
)

// Store is the slice of the IMAP session the uploader needs. A failed
// operation may be retried after Reconnect.
type Store interface {
	MailboxExists(name string) (bool, error)
	CreateMailbox(name string) error
	Append(mailbox string, date time.Time, msg []byte) error
	Reconnect() error
}

// DefaultItemDelay is the fixed pause between appends, keeping the run under
// server rate limits.
const DefaultItemDelay = 10 * time.Millisecond

type Options struct {
	Backoff   session.Backoff
	ItemDelay time.Duration
	Quiet     bool // suppress per-item stdout lines (TUI mode)
}

// Summary totals one run's outcomes.
type Summary struct {
	Uploaded int
	Failed   int
}

// Uploader owns the run loop. It is single-threaded: one store handle, one
// ledger handle, attempts complete in ledger order.
type Uploader struct {
	store  Store
	led    *ledger.Ledger
	opts   Options
	log    *logrus.Entry
	events chan Event
	sleep  func(time.Duration)
}

func New(store Store, led *ledger.Ledger, log *logrus.Entry, opts Options) *Uploader {
	if opts.Backoff.MaxAttempts <= 0 {
		opts.Backoff = session.DefaultBackoff
	}
	if opts.ItemDelay <= 0 {
		opts.ItemDelay = DefaultItemDelay
	}
	return &Uploader{
		store:  store,
		led:    led,
		opts:   opts,
		log:    log,
		events: make(chan Event, 128),
		sleep:  time.Sleep,
	}
}

// Events returns a read-only channel of progress events.
func (u *Uploader) Events() <-chan Event { return u.events }

func (u *Uploader) emit(ev Event) {
	select {
	case u.events <- ev:
	default:
		// drop if slow consumer
	}
}

// ProvisionLabels ensures every folder in the set exists, creating missing
// ones in ascending depth order so a parent's creation attempt always
// precedes its children's. One folder failing never aborts the run: files
// destined elsewhere may still succeed.
func (u *Uploader) ProvisionLabels(labels map[string]struct{}, delim string) {
	for _, name := range label.SortByDepth(labels, delim) {
		exists := false
		err := u.withRetry("check folder "+name, func() error {
			var cerr error
			exists, cerr = u.store.MailboxExists(name)
			return cerr
		})
		if err != nil {
			u.log.WithError(err).WithField("label", name).Warn("skipping folder, existence check failed")
			u.emit(Event{Type: EventLabelFailed, Label: name, Err: err})
			continue
		}
		if exists {
			continue
		}
		if err := u.withRetry("create folder "+name, func() error {
			return u.store.CreateMailbox(name)
		}); err != nil {
			u.log.WithError(err).WithField("label", name).Warn("skipping folder, create failed")
			u.emit(Event{Type: EventLabelFailed, Label: name, Err: err})
			continue
		}
		u.log.WithField("label", name).Info("created folder")
		u.emit(Event{Type: EventLabelCreated, Label: name})
	}
}

// Run uploads every item in order, appending exactly one ledger entry per
// item before moving to the next. A failed item is recorded and skipped, the
// run continues; only a ledger write failure aborts, since without a durable
// record resume semantics are gone.
func (u *Uploader) Run(items []scan.WorkItem) (Summary, error) {
	defer close(u.events)

	var sum Summary
	total := len(items)
	width := len(strconv.Itoa(total))

	for i, item := range items {
		u.sleep(u.opts.ItemDelay)

		counter := fmt.Sprintf("%*d/%d", width, i+1, total)
		err := u.uploadOne(item)
		if err == nil {
			sum.Uploaded++
			if !u.opts.Quiet {
				fmt.Printf("%s uploaded %s -> %s\n", counter, item.SourcePath, item.TargetLabel)
			}
			if lerr := u.led.Append(ledger.Success, item.SourcePath); lerr != nil {
				return sum, lerr
			}
			u.emit(Event{Type: EventItemDone, Path: item.SourcePath, Label: item.TargetLabel, Done: i + 1, Total: total})
			continue
		}

		sum.Failed++
		if !u.opts.Quiet {
			fmt.Printf("%s failed   %s: %v\n", counter, item.SourcePath, err)
		}
		u.log.WithError(err).WithField("path", item.SourcePath).Warn("upload failed")
		if lerr := u.led.Append(ledger.Fail, item.SourcePath); lerr != nil {
			return sum, lerr
		}
		u.emit(Event{Type: EventItemFailed, Path: item.SourcePath, Label: item.TargetLabel, Done: i + 1, Total: total, Err: err})
	}
	return sum, nil
}

func (u *Uploader) uploadOne(item scan.WorkItem) error {
	raw, err := os.ReadFile(item.SourcePath)
	if err != nil {
		return fmt.Errorf("read message: %w", err)
	}
	date := messageDate(raw)
	return u.withRetry("append to "+item.TargetLabel, func() error {
		return u.store.Append(item.TargetLabel, date, raw)
	})
}

// withRetry runs op under the bounded backoff schedule, reconnecting between
// transient failures. Non-transient errors surface immediately; a failed
// reconnect counts as exhaustion for this operation.
func (u *Uploader) withRetry(desc string, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= u.opts.Backoff.MaxAttempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !imaputil.Transient(err) {
			return err
		}
		lastErr = err
		if attempt == u.opts.Backoff.MaxAttempts {
			break
		}
		delay := u.opts.Backoff.Delay(attempt)
		u.log.WithError(err).WithFields(logrus.Fields{
			"op":      desc,
			"attempt": attempt,
			"delay":   delay,
		}).Warn("transient failure, retrying")
		u.sleep(delay)
		if rerr := u.store.Reconnect(); rerr != nil {
			return fmt.Errorf("%s: reconnect: %w", desc, rerr)
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", desc, u.opts.Backoff.MaxAttempts, lastErr)
}

// messageDate extracts the Date header as an APPEND timestamp hint. Any parse
// trouble yields the zero time, letting the server assign its own
// INTERNALDATE.
func messageDate(raw []byte) time.Time {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return time.Time{}
	}
	dh := msg.Header.Get("Date")
	if dh == "" {
		return time.Time{}
	}
	t, err := mail.ParseDate(dh)
	if err != nil {
		return time.Time{}
	}
	return t
}
