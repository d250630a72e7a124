// Package session owns the single live IMAP connection for a run and knows
// how to establish, drop and re-establish it.
package session

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pepperpark/emlsync/internal/imaputil"
	"github.com/pepperpark/emlsync/internal/label"

	"github.com/emersion/go-imap/client"
)

// Well-known provider profile.
const (
	ProviderGmail  = "gmail"
	ProviderCustom = "custom"

	gmailHost = "imap.gmail.com"
	gmailPort = 993
)

// DefaultTimeout bounds every dial and command so a stalled peer cannot hang
// the run.
const DefaultTimeout = 60 * time.Second

// Backoff describes the bounded exponential retry schedule used for connects
// and for every network-bound operation in the run.
type Backoff struct {
	Base        time.Duration
	MaxAttempts int
}

// DefaultBackoff starts at one second, doubles per failed attempt and gives
// up after fifteen.
var DefaultBackoff = Backoff{Base: time.Second, MaxAttempts: 15}

// Delay returns how long to wait after the given 1-based failed attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Config selects the server and credentials for a run.
type Config struct {
	Provider    string // ProviderGmail or ProviderCustom
	Server      string // custom provider only
	Port        int    // custom provider only
	Username    string
	Password    string
	InsecureTLS bool
	Timeout     time.Duration
	Backoff     Backoff
}

func (c Config) addr() (string, int) {
	if c.Provider == ProviderGmail {
		return gmailHost, gmailPort
	}
	return c.Server, c.Port
}

// Session is the owned connection handle. Exactly one Session exists per run
// and it is used from a single goroutine.
type Session struct {
	cfg   Config
	c     *client.Client
	log   *logrus.Entry
	sleep func(time.Duration)
}

func New(cfg Config, log *logrus.Entry) *Session {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	return &Session{cfg: cfg, log: log, sleep: time.Sleep}
}

// Backoff exposes the retry schedule shared by the components driving this
// session.
func (s *Session) Backoff() Backoff { return s.cfg.Backoff }

// Connect establishes an authenticated session, retrying transient failures
// with bounded exponential backoff. Authentication rejections are not worth
// retrying and surface immediately.
func (s *Session) Connect() error {
	host, port := s.cfg.addr()
	tlsConfig := &tls.Config{InsecureSkipVerify: s.cfg.InsecureTLS}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.Backoff.MaxAttempts; attempt++ {
		c, err := imaputil.DialAndLogin(host, port, s.cfg.Username, s.cfg.Password, s.cfg.Timeout, tlsConfig)
		if err == nil {
			s.c = c
			s.log.WithField("server", fmt.Sprintf("%s:%d", host, port)).Info("logged in")
			return nil
		}
		if !imaputil.Transient(err) {
			return fmt.Errorf("login %s:%d: %w", host, port, err)
		}
		lastErr = err
		delay := s.cfg.Backoff.Delay(attempt)
		s.log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).Warn("connect failed, backing off")
		if attempt < s.cfg.Backoff.MaxAttempts {
			s.sleep(delay)
		}
	}
	return fmt.Errorf("connect %s:%d: giving up after %d attempts: %w", host, port, s.cfg.Backoff.MaxAttempts, lastErr)
}

// Reconnect drops whatever is left of the current session and connects again.
func (s *Session) Reconnect() error {
	if s.c != nil {
		_ = s.c.Logout()
		s.c = nil
	}
	s.log.Info("reconnecting")
	return s.Connect()
}

// Logout releases the session. Safe to call when not connected.
func (s *Session) Logout() error {
	if s.c == nil {
		return nil
	}
	err := s.c.Logout()
	s.c = nil
	return err
}

// Delimiter discovers the server's hierarchy separator, falling back to the
// conventional "/" when the listing fails: a wrong guess only flattens folder
// names, it never loses mail.
func (s *Session) Delimiter() string {
	delim, err := imaputil.HierarchyDelimiter(s.c)
	if err != nil {
		s.log.WithError(err).Warnf("delimiter discovery failed, using %q", label.DefaultDelimiter)
		return label.DefaultDelimiter
	}
	return delim
}

func (s *Session) MailboxExists(name string) (bool, error) {
	return imaputil.MailboxExists(s.c, name)
}

func (s *Session) CreateMailbox(name string) error {
	return imaputil.CreateMailbox(s.c, name)
}

func (s *Session) Append(mailbox string, date time.Time, msg []byte) error {
	return imaputil.Append(s.c, mailbox, date, msg)
}
