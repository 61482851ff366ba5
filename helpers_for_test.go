package sftpclient

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	gossh "golang.org/x/crypto/ssh"
)

// generateTestRSAKey creates a test RSA private key and returns both PEM-encoded
// key content and a path to a temp file containing the key.
func generateTestRSAKey(t testing.TB) (string, string) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}

	privateKeyPEM := string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}))

	tmpDir := t.TempDir()
	keyPath := filepath.Join(tmpDir, "test_key")
	if err := os.WriteFile(keyPath, []byte(privateKeyPEM), 0600); err != nil {
		t.Fatalf("failed to write key file: %v", err)
	}

	return privateKeyPEM, keyPath
}

// generateEncryptedTestKey returns a passphrase-protected OpenSSH private key.
func generateEncryptedTestKey(t *testing.T, passphrase string) []byte {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}

	block, err := gossh.MarshalPrivateKeyWithPassphrase(privateKey, "", []byte(passphrase))
	if err != nil {
		t.Fatalf("failed to marshal encrypted key: %v", err)
	}
	return pem.EncodeToMemory(block)
}

// generateTestPublicKey generates a public key from an RSA private key for use in tests.
func generateTestPublicKey(t *testing.T, privateKeyPEM string) string {
	t.Helper()

	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		t.Fatal("failed to parse PEM block")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		t.Fatalf("failed to parse private key: %v", err)
	}

	publicKey, err := gossh.NewPublicKey(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("failed to create SSH public key: %v", err)
	}

	return string(gossh.MarshalAuthorizedKey(publicKey))
}

// createTempFile creates a temporary file with the given content.
func createTempFile(t *testing.T, content []byte) string {
	t.Helper()

	tmpFile := filepath.Join(t.TempDir(), "test_file")
	if err := os.WriteFile(tmpFile, content, 0644); err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}

	return tmpFile
}

// testLogger is a simple logger for testing.
type testLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *testLogger) record(level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, level+": "+fmt.Sprintf(format, args...))
}

func (l *testLogger) Debugf(format string, args ...interface{}) { l.record("debug", format, args...) }
func (l *testLogger) Infof(format string, args ...interface{})  { l.record("info", format, args...) }
func (l *testLogger) Warnf(format string, args ...interface{})  { l.record("warn", format, args...) }
func (l *testLogger) Errorf(format string, args ...interface{}) { l.record("error", format, args...) }

// contains reports whether any message contains substr.
func (l *testLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.messages {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

func (l *testLogger) all() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.messages, "\n")
}

// newTestConfig creates a Config with sensible defaults for testing.
func newTestConfig(t *testing.T) Config {
	t.Helper()

	return Config{
		Host:       "localhost",
		Port:       22,
		User:       "testuser",
		Root:       "/home",
		Credential: Password{Secret: "secret"},
		Logger:     &testLogger{},
	}
}

// testClient bundles a Client with the fakes behind it.
type testClient struct {
	*Client
	mock      *MockSFTPClient
	transport *mockTransport
	fs        afero.Fs
	log       *testLogger
}

// newTestClient builds a Client over a MockSFTPClient with /home as root and
// an in-memory local filesystem.
func newTestClient(t *testing.T, customize ...func(*Config)) *testClient {
	t.Helper()

	config := newTestConfig(t)
	for _, fn := range customize {
		fn(&config)
	}
	log, _ := config.Logger.(*testLogger)

	mock := NewMockSFTPClient()
	mock.SetDir("/home")
	transport := newMockTransport(mock)
	fs := afero.NewMemMapFs()

	client, err := NewClient(config, WithTransport(transport), WithFs(fs))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return &testClient{Client: client, mock: mock, transport: transport, fs: fs, log: log}
}

// assertAllClosed fails the test if any session or channel was left open.
func (tc *testClient) assertAllClosed(t *testing.T) {
	t.Helper()
	if err := tc.transport.allClosed(); err != nil {
		t.Errorf("teardown incomplete: %v", err)
	}
}

// assertFileContents verifies that a local file has the expected content.
func assertFileContents(t *testing.T, fs afero.Fs, path string, expected []byte) {
	t.Helper()

	content, err := afero.ReadFile(fs, path)
	if err != nil {
		t.Errorf("failed to read file %s: %v", path, err)
		return
	}

	if string(content) != string(expected) {
		t.Errorf("file content mismatch:\nexpected: %q\ngot: %q", string(expected), string(content))
	}
}

// assertFileNotExists verifies that a local file does not exist.
func assertFileNotExists(t *testing.T, fs afero.Fs, path string) {
	t.Helper()

	if exists, _ := afero.Exists(fs, path); exists {
		t.Errorf("expected file to not exist: %s", path)
	}
}

// len reports how many temp files are registered.
func (t *tempFiles) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.paths)
}
