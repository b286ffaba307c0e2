package pop

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testMessage struct {
	uid string
	raw string
}

func (m testMessage) headers() string {
	if i := strings.Index(m.raw, "\r\n\r\n"); i >= 0 {
		return m.raw[:i+2] + "\r\n"
	}
	return m.raw
}

// mailboxServer is a small POP3 server over a fixed list of messages. It
// accepts any number of connections and records every command it reads.
type mailboxServer struct {
	password string

	mu       sync.Mutex
	messages []testMessage
	commands []string
	// gates block the reply to a command until the channel is closed.
	gates map[string]chan struct{}
	// hangUps close the connection instead of replying, once per command.
	hangUps map[string]bool
	// tlsConfig enables STLS when set.
	tlsConfig *tls.Config

	port int
}

func newMailboxServer(t *testing.T, password string, messages ...testMessage) *mailboxServer {
	t.Helper()
	s := &mailboxServer{
		password: password,
		messages: messages,
		gates:    make(map[string]chan struct{}),
		hangUps:  make(map[string]bool),
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	s.port = ln.Addr().(*net.TCPAddr).Port

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	return s
}

func (s *mailboxServer) gate(command string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.gates[command] = ch
	return ch
}

func (s *mailboxServer) hangUpOn(command string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hangUps[command] = true
}

func (s *mailboxServer) enableStls(config *tls.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tlsConfig = config
}

func (s *mailboxServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// receivedMatching returns the recorded commands starting with one of prefixes.
func (s *mailboxServer) receivedMatching(prefixes ...string) []string {
	var out []string
	for _, c := range s.received() {
		for _, p := range prefixes {
			if strings.HasPrefix(c, p) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func (s *mailboxServer) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *mailboxServer) serve(conn net.Conn) {
	defer func() { conn.Close() }()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	write := func(text string) {
		_, _ = w.WriteString(text)
		_ = w.Flush()
	}
	write("+OK test server ready\r\n")

	s.mu.Lock()
	snapshot := append([]testMessage(nil), s.messages...)
	s.mu.Unlock()
	deleted := make(map[int]bool)

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		s.mu.Lock()
		s.commands = append(s.commands, line)
		gate := s.gates[line]
		hangUp := s.hangUps[line]
		delete(s.hangUps, line)
		tlsConfig := s.tlsConfig
		s.mu.Unlock()
		if gate != nil {
			<-gate
		}
		if hangUp {
			return
		}

		msg := func() (testMessage, int, bool) {
			if len(fields) < 2 {
				return testMessage{}, 0, false
			}
			n, err := strconv.Atoi(fields[1])
			if err != nil || n < 1 || n > len(snapshot) || deleted[n] {
				return testMessage{}, 0, false
			}
			return snapshot[n-1], n, true
		}

		switch strings.ToUpper(fields[0]) {
		case "STLS":
			if tlsConfig == nil {
				write("-ERR STLS not supported\r\n")
				continue
			}
			write("+OK Begin TLS negotiation\r\n")
			conn = tls.Server(conn, tlsConfig)
			r = bufio.NewReader(conn)
			w = bufio.NewWriter(conn)
		case "USER":
			write("+OK\r\n")
		case "PASS":
			if len(fields) > 1 && fields[1] == s.password {
				write("+OK logged in\r\n")
			} else {
				write("-ERR [AUTH] invalid credentials\r\n")
			}
		case "LIST":
			var b strings.Builder
			b.WriteString("+OK\r\n")
			for i, m := range snapshot {
				if !deleted[i+1] {
					fmt.Fprintf(&b, "%d %d\r\n", i+1, len(m.raw))
				}
			}
			b.WriteString(".\r\n")
			write(b.String())
		case "UIDL":
			var b strings.Builder
			b.WriteString("+OK\r\n")
			for i, m := range snapshot {
				if !deleted[i+1] {
					fmt.Fprintf(&b, "%d %s\r\n", i+1, m.uid)
				}
			}
			b.WriteString(".\r\n")
			write(b.String())
		case "TOP":
			m, _, ok := msg()
			if !ok {
				write("-ERR no such message\r\n")
				continue
			}
			write("+OK\r\n" + stuff(m.headers()) + ".\r\n")
		case "RETR":
			m, _, ok := msg()
			if !ok {
				write("-ERR no such message\r\n")
				continue
			}
			write("+OK\r\n" + stuff(m.raw) + ".\r\n")
		case "DELE":
			_, n, ok := msg()
			if !ok {
				write("-ERR no such message\r\n")
				continue
			}
			deleted[n] = true
			write("+OK deleted\r\n")
		case "QUIT":
			s.mu.Lock()
			var kept []testMessage
			for i, m := range snapshot {
				if !deleted[i+1] {
					kept = append(kept, m)
				}
			}
			s.messages = kept
			s.mu.Unlock()
			write("+OK bye\r\n")
			return
		default:
			write("-ERR unknown command\r\n")
		}
	}
}

// stuff dot-stuffs raw and makes sure it ends with CRLF.
func stuff(raw string) string {
	if !strings.HasSuffix(raw, "\r\n") {
		raw += "\r\n"
	}
	lines := strings.SplitAfter(raw, "\r\n")
	var b strings.Builder
	for _, l := range lines {
		if strings.HasPrefix(l, ".") {
			b.WriteString(".")
		}
		b.WriteString(l)
	}
	return b.String()
}

func plainMessage(id, subject, date, body string) string {
	return "Message-ID: <" + id + "@example.com>\r\n" +
		"From: Jane Doe <jane@example.com>\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: " + date + "\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		body + "\r\n"
}

// selfSignedTLS returns a server config with a fresh certificate for
// 127.0.0.1 and a client config that trusts it.
func selfSignedTLS(t *testing.T) (server *tls.Config, client *tls.Config) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(cert)
	server = &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: cert}},
		MinVersion:   tls.VersionTLS12,
	}
	client = &tls.Config{RootCAs: pool, ServerName: "127.0.0.1", MinVersion: tls.VersionTLS12}
	return server, client
}
