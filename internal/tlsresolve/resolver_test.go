package tlsresolve

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takohq/tako/internal/devca"
	"github.com/takohq/tako/internal/keychain"
)

func TestWildcardChain(t *testing.T) {
	assert.Equal(t, []string{"a.b.example.com", "*.b.example.com", "*.example.com"}, wildcardChain("a.b.example.com"))
	assert.Equal(t, []string{"example.com"}, wildcardChain("example.com"))
}

func TestGetCertificateExactMatch(t *testing.T) {
	r := New(t.TempDir(), nil)
	r.LoadCertificate("example.com", tls.Certificate{})

	cert, err := r.GetCertificate(&tls.ClientHelloInfo{ServerName: "example.com"})
	require.NoError(t, err)
	assert.NotNil(t, cert)
}

func TestGetCertificateFallsBackToWildcard(t *testing.T) {
	r := New(t.TempDir(), nil)
	r.LoadCertificate("*.example.com", tls.Certificate{})

	cert, err := r.GetCertificate(&tls.ClientHelloInfo{ServerName: "www.example.com"})
	require.NoError(t, err)
	assert.NotNil(t, cert)
}

func TestGetCertificateFailsClosedForUnknownHost(t *testing.T) {
	r := New(t.TempDir(), nil)
	_, err := r.GetCertificate(&tls.ClientHelloInfo{ServerName: "unknown.example.com"})
	require.Error(t, err)
}

type stubIssuer struct{ calls int }

func (s *stubIssuer) IssueCertificate(domain string) (tls.Certificate, error) {
	s.calls++
	return tls.Certificate{}, nil
}

func TestGetCertificateIssuesInDevMode(t *testing.T) {
	issuer := &stubIssuer{}
	r := New(t.TempDir(), issuer)

	_, err := r.GetCertificate(&tls.ClientHelloInfo{ServerName: "new.example.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, issuer.calls)

	// Second lookup hits the cache, not the issuer again.
	_, err = r.GetCertificate(&tls.ClientHelloInfo{ServerName: "new.example.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, issuer.calls)
}

func TestGetCertificateMissingSNIUsesDefault(t *testing.T) {
	r := New(t.TempDir(), nil)
	r.SetDefaultCert(tls.Certificate{})

	cert, err := r.GetCertificate(&tls.ClientHelloInfo{ServerName: ""})
	require.NoError(t, err)
	assert.NotNil(t, cert)
}

func TestGetCertificateIssuedInDevModePersistsToDisk(t *testing.T) {
	caDir := t.TempDir()
	certDir := t.TempDir()
	store := keychain.New("tako-test", "dev-ca-key")
	ca, err := devca.LoadOrCreate(caDir, store, false)
	require.NoError(t, err)

	r := New(certDir, ca)
	_, err = r.GetCertificate(&tls.ClientHelloInfo{ServerName: "app.tako.local"})
	require.NoError(t, err)

	certPath := filepath.Join(certDir, "app.tako.local.crt")
	keyPath := filepath.Join(certDir, "app.tako.local.key")
	_, err = os.Stat(certPath)
	assert.NoError(t, err, "issued leaf certificate must be persisted to disk")
	_, err = os.Stat(keyPath)
	assert.NoError(t, err, "issued leaf key must be persisted to disk")
}

func TestLoadCertDirLoadsExistingPairs(t *testing.T) {
	caDir := t.TempDir()
	certDir := t.TempDir()
	store := keychain.New("tako-test", "dev-ca-key")
	ca, err := devca.LoadOrCreate(caDir, store, false)
	require.NoError(t, err)

	issuing := New(certDir, ca)
	_, err = issuing.GetCertificate(&tls.ClientHelloInfo{ServerName: "app.tako.local"})
	require.NoError(t, err)

	fresh := New(certDir, nil)
	loaded, err := fresh.LoadCertDir()
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)

	cert, err := fresh.GetCertificate(&tls.ClientHelloInfo{ServerName: "app.tako.local"})
	require.NoError(t, err)
	assert.NotNil(t, cert)
}

func TestLoadCertDirMissingDirectoryIsNotError(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "does-not-exist"), nil)
	loaded, err := r.LoadCertDir()
	require.NoError(t, err)
	assert.Equal(t, 0, loaded)
}

func TestHostFromCertFilename(t *testing.T) {
	assert.Equal(t, "example.com", hostFromCertFilename("/certs/example.com.crt"))
	assert.Equal(t, "example.com", hostFromCertFilename("/certs/example.com.key"))
	assert.Equal(t, "", hostFromCertFilename("/certs/readme.txt"))
}
