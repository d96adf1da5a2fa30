// Package devca issues locally-trusted TLS certificates for Tako's
// development mode: a single self-signed root CA, generated once per
// machine and cached (optionally in the OS keychain), signs a fresh
// leaf certificate the first time each new dev domain is seen.
//
// Grounded on the original dev-mode certificate generator's shape
// (get_or_create_for_domain, localhost special-casing, 0600 key file
// permissions), reimplemented against crypto/x509 and crypto/ecdsa —
// no library in the example pack offers an equivalent to the original's
// rcgen crate, so this component is built on the standard library
// (see the design ledger for why that's the right call here).
package devca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/takohq/tako/internal/core"
	"github.com/takohq/tako/internal/keychain"
)

func pemEncode(blockType string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}

// pemDecode returns the DER bytes of the first PEM block in data.
func pemDecode(data []byte) ([]byte, []byte) {
	block, rest := pem.Decode(data)
	if block == nil {
		return nil, rest
	}
	return block.Bytes, rest
}

const (
	caCertFile = "ca.crt"
	caKeyFile  = "ca.key"
)

// KeySource retrieves and persists the CA private key, backed either by
// the OS keychain or a file on disk.
type KeySource interface {
	Get() ([]byte, error)
	Set(key []byte) error
}

// fileKeySource stores the raw SEC 1 (ASN.1 DER) EC key bytes at a fixed path
// with 0600 permissions, used when the OS keychain is disabled or
// unavailable.
type fileKeySource struct{ path string }

func (f fileKeySource) Get() ([]byte, error) { return os.ReadFile(f.path) }
func (f fileKeySource) Set(key []byte) error { return os.WriteFile(f.path, key, 0600) }

// CA is Tako's dev-mode certificate authority.
type CA struct {
	dir    string
	source KeySource
	cert   *x509.Certificate
	certDER []byte
	key    *ecdsa.PrivateKey
}

// LoadOrCreate loads the dev CA from dir, generating a new one on first
// run. When useKeychain is true the private key lives in the OS
// keychain (service/account from cfg); otherwise it's written to
// <dir>/ca.key with 0600 permissions.
func LoadOrCreate(dir string, store keychain.Store, useKeychain bool) (*CA, error) {
	var source KeySource
	if useKeychain {
		source = store
	} else {
		source = fileKeySource{path: filepath.Join(dir, caKeyFile)}
	}

	ca := &CA{dir: dir, source: source}

	certPath := filepath.Join(dir, caCertFile)
	certPEMBytes, certErr := os.ReadFile(certPath)
	keyDER, keyErr := source.Get()

	if certErr == nil && keyErr == nil {
		if err := ca.loadExisting(certPEMBytes, keyDER); err == nil {
			return ca, nil
		}
	}

	if err := ca.generate(); err != nil {
		return nil, err
	}
	if err := ca.persist(certPath); err != nil {
		return nil, err
	}
	return ca, nil
}

func (ca *CA) loadExisting(certPEMBytes, keyDER []byte) error {
	block, _ := pemDecode(certPEMBytes)
	if block == nil {
		return fmt.Errorf("no PEM block in CA cert")
	}
	cert, err := x509.ParseCertificate(block)
	if err != nil {
		return err
	}
	key, err := x509.ParseECPrivateKey(keyDER)
	if err != nil {
		return err
	}
	ca.cert = cert
	ca.certDER = block
	ca.key = key
	return nil
}

func (ca *CA) generate() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return core.Wrap(core.KindIO, "generate CA key", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return core.Wrap(core.KindIO, "generate CA serial", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "Tako Development CA", Organization: []string{"Tako"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return core.Wrap(core.KindIO, "create CA certificate", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return core.Wrap(core.KindIO, "parse generated CA certificate", err)
	}

	ca.key = key
	ca.cert = cert
	ca.certDER = der
	return nil
}

func (ca *CA) persist(certPath string) error {
	keyDER, err := x509.MarshalECPrivateKey(ca.key)
	if err != nil {
		return core.Wrap(core.KindIO, "marshal CA key", err)
	}
	if err := ca.source.Set(keyDER); err != nil {
		return core.Wrap(core.KindIO, "persist CA key", err)
	}
	if err := os.MkdirAll(ca.dir, 0755); err != nil {
		return core.Wrap(core.KindIO, "create CA directory", err)
	}
	if err := os.WriteFile(certPath, pemEncode("CERTIFICATE", ca.certDER), 0644); err != nil {
		return core.Wrap(core.KindIO, "persist CA certificate", err)
	}
	return nil
}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9.-]+`)

// sanitizeDomain maps a domain (which may contain a leading "*.") to a
// filesystem-safe name for the leaf key/cert pair.
func sanitizeDomain(domain string) string {
	return nonAlnum.ReplaceAllString(strings.TrimPrefix(domain, "*."), "_")
}

// IssueCertificate mints a leaf certificate for domain, signed by the
// dev CA. Only the domain "localhost" gets extra SANs for 127.0.0.1
// and ::1 so a single certificate covers every way a developer might
// address their own machine; other domains get just their DNS name.
func (ca *CA) IssueCertificate(domain string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, core.Wrap(core.KindIO, "generate leaf key", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, core.Wrap(core.KindIO, "generate leaf serial", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: domain},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{domain},
	}
	if domain == "localhost" {
		tmpl.DNSNames = append(tmpl.DNSNames, "localhost")
		tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return tls.Certificate{}, core.Wrap(core.KindIO, "create leaf certificate", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der, ca.certDER},
		PrivateKey:  key,
		Leaf:        nil,
	}, nil
}

// CertificateFilePaths returns the crt/key paths IssueCertificate's
// caller should persist the leaf to, for SNI's fsnotify watch to pick
// up on a later restart.
func CertificateFilePaths(certDir, domain string) (certPath, keyPath string) {
	name := sanitizeDomain(domain)
	return filepath.Join(certDir, name+".crt"), filepath.Join(certDir, name+".key")
}
