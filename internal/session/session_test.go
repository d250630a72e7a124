package session

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	cryptorand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"io"
	"math/big"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pepperpark/emlsync/internal/imaputil"
)

func discardLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func TestBackoffDelayDoubles(t *testing.T) {
	b := Backoff{Base: time.Second, MaxAttempts: 15}
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 8*time.Second, b.Delay(4))
	assert.Equal(t, 16384*time.Second, b.Delay(15))
}

func TestDefaultBackoffBounds(t *testing.T) {
	assert.Equal(t, time.Second, DefaultBackoff.Base)
	assert.Equal(t, 15, DefaultBackoff.MaxAttempts)
}

func TestConfigAddr(t *testing.T) {
	host, port := Config{Provider: ProviderGmail}.addr()
	assert.Equal(t, "imap.gmail.com", host)
	assert.Equal(t, 993, port)

	host, port = Config{Provider: ProviderCustom, Server: "mail.example.org", Port: 1993}.addr()
	assert.Equal(t, "mail.example.org", host)
	assert.Equal(t, 1993, port)
}

func TestConnectExhaustsRetries(t *testing.T) {
	// A listener that hangs up on every connection: each attempt dies in the
	// TLS handshake, which is transient, so Connect must retry exactly
	// MaxAttempts times and then give up.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var dials int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&dials, 1)
			conn.Close()
		}
	}()

	s := New(Config{
		Provider:    ProviderCustom,
		Server:      "127.0.0.1",
		Port:        ln.Addr().(*net.TCPAddr).Port,
		Username:    "u",
		Password:    "p",
		InsecureTLS: true,
		Timeout:     2 * time.Second,
		Backoff:     Backoff{Base: time.Nanosecond, MaxAttempts: 3},
	}, discardLogger())
	s.sleep = func(time.Duration) {}

	err = s.Connect()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
	assert.EqualValues(t, 3, atomic.LoadInt32(&dials))
}

func TestConnectAuthRejectIsFatal(t *testing.T) {
	port, logins := startAuthRejectServer(t)

	s := New(Config{
		Provider:    ProviderCustom,
		Server:      "127.0.0.1",
		Port:        port,
		Username:    "u",
		Password:    "wrong",
		InsecureTLS: true,
		Timeout:     5 * time.Second,
		Backoff:     Backoff{Base: time.Nanosecond, MaxAttempts: 5},
	}, discardLogger())
	s.sleep = func(time.Duration) {}

	err := s.Connect()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login")
	assert.False(t, imaputil.Transient(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(logins), "rejected credentials must not be retried")
}

// startAuthRejectServer runs a minimal IMAP server over TLS that answers
// every LOGIN with NO [AUTHENTICATIONFAILED]. Returns the port and a counter
// of LOGIN commands seen.
func startAuthRejectServer(t *testing.T) (int, *int32) {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{selfSignedCert(t)},
	})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var logins int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				io.WriteString(conn, "* OK [CAPABILITY IMAP4rev1] ready\r\n")
				br := bufio.NewReader(conn)
				for {
					line, err := br.ReadString('\n')
					if err != nil {
						return
					}
					fields := strings.Fields(line)
					if len(fields) < 2 {
						continue
					}
					tag := fields[0]
					switch strings.ToUpper(fields[1]) {
					case "LOGIN":
						atomic.AddInt32(&logins, 1)
						io.WriteString(conn, tag+" NO [AUTHENTICATIONFAILED] Invalid credentials.\r\n")
					case "LOGOUT":
						io.WriteString(conn, "* BYE\r\n"+tag+" OK done\r\n")
						return
					case "CAPABILITY":
						io.WriteString(conn, "* CAPABILITY IMAP4rev1\r\n"+tag+" OK done\r\n")
					default:
						io.WriteString(conn, tag+" OK done\r\n")
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, &logins
}

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), cryptorand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(cryptorand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}
