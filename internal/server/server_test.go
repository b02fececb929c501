package server

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"collabd/internal/collab"
)

// echoHandler copies every line back to the client.
var echoHandler = HandlerFunc(func(ctx context.Context, conn net.Conn) {
	io.Copy(conn, conn)
})

func startServer(t *testing.T, cfg Config, h Handler) *Server {
	t.Helper()

	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	s, err := New(cfg, h, collab.NewNopLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	served := make(chan error, 1)
	go func() { served <- s.Serve() }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
		if err := <-served; err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	})
	return s
}

func roundTrip(t *testing.T, conn net.Conn, line string) {
	t.Helper()

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(conn, line+"\n"); err != nil {
		t.Fatalf("write error = %v", err)
	}
	got, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read error = %v", err)
	}
	if got != line+"\n" {
		t.Errorf("echo = %q, want %q", got, line+"\n")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_AcceptsConnections(t *testing.T) {
	s := startServer(t, Config{Name: "test"}, echoHandler)

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	roundTrip(t, conn, `{"type":"ping","id":1}`)
	if n := s.ActiveConnections(); n != 1 {
		t.Errorf("ActiveConnections() = %d, want 1", n)
	}

	conn.Close()
	waitFor(t, func() bool { return s.ActiveConnections() == 0 })
}

func TestServer_ShutdownClosesConnections(t *testing.T) {
	s, err := New(Config{Name: "test", Host: "127.0.0.1"}, echoHandler, collab.NewNopLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- s.Serve() }()

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	roundTrip(t, conn, "hello")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := <-served; err != nil {
		t.Errorf("Serve() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("connection still open after Shutdown")
	}
	if _, err := net.Dial("tcp", s.Addr().String()); err == nil {
		t.Error("Dial() succeeded after Shutdown")
	}
}

func TestServer_CloseKeepsLiveConnections(t *testing.T) {
	s := startServer(t, Config{Name: "test"}, echoHandler)

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	roundTrip(t, conn, "before")

	s.Close()
	s.Close()

	if c, err := net.Dial("tcp", s.Addr().String()); err == nil {
		c.Close()
		t.Error("Dial() succeeded after Close")
	}
	roundTrip(t, conn, "after")
	if n := s.ActiveConnections(); n != 1 {
		t.Errorf("ActiveConnections() = %d, want 1", n)
	}
}

func TestServer_HandlerSeesCancellation(t *testing.T) {
	stopped := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, conn net.Conn) {
		<-ctx.Done()
		close(stopped)
	})

	s, err := New(Config{Name: "test", Host: "127.0.0.1"}, h, collab.NewNopLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	go s.Serve()

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return s.ActiveConnections() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("handler context not cancelled")
	}
}

func TestServer_ServeBeforeListen(t *testing.T) {
	s, err := New(Config{Name: "test"}, echoHandler, collab.NewNopLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Serve(); err == nil {
		t.Error("Serve() before Listen expected error")
	}
}

func writeTestCert(t *testing.T) (certPath, keyPath string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "collabd test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600); err != nil {
		t.Fatal(err)
	}
	return certPath, keyPath
}

func TestServer_TLS(t *testing.T) {
	certPath, keyPath := writeTestCert(t)
	s := startServer(t, Config{Name: "tls", CertPath: certPath, KeyPath: keyPath}, echoHandler)

	conn, err := tls.Dial("tcp", s.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls.Dial() error = %v", err)
	}
	defer conn.Close()

	roundTrip(t, conn, "over tls")
}

func TestNewTLSConfig(t *testing.T) {
	certPath, keyPath := writeTestCert(t)

	tests := []struct {
		name    string
		cert    string
		key     string
		wantErr bool
	}{
		{name: "valid pair", cert: certPath, key: keyPath},
		{name: "missing key", cert: certPath, wantErr: true},
		{name: "unreadable files", cert: "/nonexistent/cert.pem", key: "/nonexistent/key.pem", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := NewTLSConfig(tt.cert, tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewTLSConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && cfg.MinVersion != tls.VersionTLS12 {
				t.Errorf("MinVersion = %x, want TLS 1.2", cfg.MinVersion)
			}
		})
	}
}
