// Package imaputil wraps the go-imap client with the small set of operations
// the uploader needs.
package imaputil

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// DialAndLogin connects and logs into an IMAP server over implicit TLS.
// timeout bounds both the dial and every subsequent command, so a stalled
// peer cannot hang the process.
func DialAndLogin(host string, port int, user, pass string, timeout time.Duration, tlsConfig *tls.Config) (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	dialer := &net.Dialer{Timeout: timeout}
	c, err := client.DialWithDialerTLS(dialer, addr, tlsConfig)
	if err != nil {
		return nil, err
	}
	c.Timeout = timeout
	// Enable raw IMAP wire debug if requested via environment variable
	if os.Getenv("EMLSYNC_IMAP_DEBUG") == "1" {
		c.SetDebug(os.Stderr)
	}
	if err := c.Login(user, pass); err != nil {
		_ = c.Logout()
		return nil, err
	}
	return c, nil
}

// HierarchyDelimiter asks the server for its folder hierarchy separator via an
// empty LIST. Returns ("", error) when the server gives nothing usable.
func HierarchyDelimiter(c *client.Client) (string, error) {
	ch := make(chan *imap.MailboxInfo, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", "", ch)
	}()
	delim := ""
	for m := range ch {
		if m != nil && delim == "" {
			delim = m.Delimiter
		}
	}
	if err := <-done; err != nil {
		return "", err
	}
	if delim == "" {
		return "", errors.New("server reported no hierarchy delimiter")
	}
	return delim, nil
}

// MailboxExists reports whether a folder with exactly the given name is
// present, using a pattern-matched LIST.
func MailboxExists(c *client.Client, name string) (bool, error) {
	ch := make(chan *imap.MailboxInfo, 8)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", name, ch)
	}()
	found := false
	for m := range ch {
		if m != nil && m.Name == name {
			found = true
		}
	}
	if err := <-done; err != nil {
		return false, err
	}
	return found, nil
}

// CreateMailbox creates a folder, treating "already exists" as success.
func CreateMailbox(c *client.Client, name string) error {
	err := c.Create(name)
	if err == nil || alreadyExistsErr(err) {
		return nil
	}
	return err
}

// alreadyExistsErr matches both the RFC 5530 ALREADYEXISTS response code and
// the prose variant older servers put in the NO text.
func alreadyExistsErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "alreadyexists")
}

// Append adds a raw message to the named folder. A zero date lets the server
// assign its own INTERNALDATE.
func Append(c *client.Client, mailbox string, date time.Time, msg []byte) error {
	return c.Append(mailbox, nil, date, bytes.NewReader(msg))
}

// Transient reports whether err looks like a network or protocol condition
// that may clear on reconnect: timeouts, resets, a torn-down connection.
// Status responses such as NO/BAD are not transient.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"use of closed network connection",
		"connection reset",
		"connection refused",
		"broken pipe",
		"imap: connection closed",
		"tls: ",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
