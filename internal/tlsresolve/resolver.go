// Package tlsresolve implements Tako's SNI certificate resolver: given
// the ClientHello's server name, find the most specific matching
// certificate (exact host, then progressively broader wildcard
// ancestors), fail closed for an unrecognized name in production, and
// (in dev mode) issue a fresh leaf certificate on first sight of a new
// domain.
//
// Grounded on the original SNI resolver's exact-then-wildcard lookup
// chain and its two independently-toggled fallback policies — both
// hard-wired here to the production-safe settings, matching the
// original's own defaults.
package tlsresolve

import (
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/takohq/tako/internal/core"
	"github.com/takohq/tako/internal/devca"
	"github.com/takohq/tako/internal/logging"
	"github.com/takohq/tako/internal/routing"
)

// allowDefaultForMissingSNI controls behavior when a TLS ClientHello
// carries no server name at all (some legacy clients, or direct IP
// connections). Tako serves its configured default certificate in this
// case rather than rejecting the handshake outright.
const allowDefaultForMissingSNI = true

// allowDefaultForUnknownSNI controls behavior when a ClientHello names
// a host with no matching certificate record. Tako always fails closed
// here: serving any certificate for an unrecognized name would let one
// tenant's connection appear to terminate under another tenant's
// identity.
const allowDefaultForUnknownSNI = false

// Issuer mints a new certificate for a domain that has no record yet.
// In production mode, Resolver is constructed with a nil Issuer and
// every unknown domain is rejected; in dev mode it's backed by the
// local CA in package devca.
type Issuer interface {
	IssueCertificate(domain string) (tls.Certificate, error)
}

// Resolver implements crypto/tls.Config.GetCertificate, matching
// exact hosts first and then walking up through wildcard ancestors
// (a.b.example.com -> *.b.example.com -> *.example.com) until a record
// is found or the chain is exhausted.
type Resolver struct {
	mu       sync.RWMutex
	certDir  string
	certs    map[string]tls.Certificate // keyed by normalized host
	defaultCert *tls.Certificate
	issuer   Issuer
	watcher  *fsnotify.Watcher
}

// New constructs a Resolver backed by certDir. issuer may be nil
// (production mode: unknown domains are always rejected).
func New(certDir string, issuer Issuer) *Resolver {
	return &Resolver{
		certDir: certDir,
		certs:   map[string]tls.Certificate{},
		issuer:  issuer,
	}
}

// SetDefaultCert installs the certificate served when a ClientHello
// carries no SNI at all.
func (r *Resolver) SetDefaultCert(cert tls.Certificate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultCert = &cert
}

// LoadCertificate registers a certificate/key pair under host,
// overwriting any existing record for that host.
func (r *Resolver) LoadCertificate(host string, cert tls.Certificate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.certs[routing.NormalizeHost(host)] = cert
}

// LoadCertDir scans the resolver's cert directory for existing
// <host>.crt/<host>.key pairs and loads each into the cache, so
// certificates provisioned before the process started — or persisted by
// an earlier dev-mode issuance — are available without waiting for a
// live handshake to trigger a reload. Returns the number of pairs
// loaded; a missing directory is not an error.
func (r *Resolver) LoadCertDir() (int, error) {
	entries, err := os.ReadDir(r.certDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, core.Wrap(core.KindIO, "read cert directory", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".crt") {
			continue
		}
		host := strings.TrimSuffix(entry.Name(), ".crt")
		certPath := filepath.Join(r.certDir, entry.Name())
		keyPath := filepath.Join(r.certDir, host+".key")

		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			logging.Warnf("skipping cert pair for %s: %v", host, err)
			continue
		}
		r.LoadCertificate(host, cert)
		loaded++
	}
	return loaded, nil
}

// Forget removes a cached certificate, forcing the next lookup for that
// host to reload it (called by the fsnotify watch loop).
func (r *Resolver) Forget(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.certs, routing.NormalizeHost(host))
}

// wildcardChain returns host, then each ancestor wildcard pattern, from
// most to least specific: "a.b.example.com" -> ["a.b.example.com",
// "*.b.example.com", "*.example.com"].
func wildcardChain(host string) []string {
	labels := strings.Split(host, ".")
	chain := []string{host}
	for i := 1; i < len(labels)-1; i++ {
		chain = append(chain, "*."+strings.Join(labels[i:], "."))
	}
	return chain
}

// GetCertificate implements tls.Config.GetCertificate.
func (r *Resolver) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := routing.NormalizeHost(hello.ServerName)

	if host == "" {
		if allowDefaultForMissingSNI {
			r.mu.RLock()
			defer r.mu.RUnlock()
			if r.defaultCert != nil {
				return r.defaultCert, nil
			}
		}
		return nil, fmt.Errorf("no server name and no default certificate configured")
	}

	if cert, ok := r.lookup(host); ok {
		return cert, nil
	}

	// Cache miss (never loaded, or invalidated by the watch): reload the
	// host's pair from disk if one is there.
	certPath, keyPath := devca.CertificateFilePaths(r.certDir, host)
	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
		r.LoadCertificate(host, cert)
		return &cert, nil
	}

	if r.issuer != nil {
		cert, err := r.issuer.IssueCertificate(host)
		if err != nil {
			return nil, fmt.Errorf("issue dev certificate for %s: %w", host, err)
		}
		if err := persistIssuedCertificate(r.certDir, host, cert); err != nil {
			logging.Warnf("persist issued certificate for %s: %v", host, err)
		}
		r.LoadCertificate(host, cert)
		return &cert, nil
	}

	if allowDefaultForUnknownSNI {
		r.mu.RLock()
		defer r.mu.RUnlock()
		if r.defaultCert != nil {
			return r.defaultCert, nil
		}
	}

	return nil, fmt.Errorf("no certificate for %s: %w", host, core.NewError(core.KindNotFound, "unknown SNI host"))
}

func (r *Resolver) lookup(host string) (*tls.Certificate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, candidate := range wildcardChain(host) {
		if cert, ok := r.certs[candidate]; ok {
			return &cert, true
		}
	}
	return nil, false
}

// WatchCertDir starts an fsnotify watch on the resolver's cert
// directory; a write or remove event invalidates only the affected
// host's cache entry rather than the whole cache, so an unrelated
// domain's certificate isn't needlessly reloaded from disk on its next
// handshake.
func (r *Resolver) WatchCertDir() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return core.Wrap(core.KindIO, "create cert directory watcher", err)
	}
	if err := watcher.Add(r.certDir); err != nil {
		watcher.Close()
		return core.Wrap(core.KindIO, "watch cert directory", err)
	}
	r.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					host := hostFromCertFilename(event.Name)
					if host != "" {
						r.Forget(host)
						logging.Infof("invalidated cached certificate for %s after %s", host, event.Op)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Errorf("cert directory watch error: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the directory watch, if any.
func (r *Resolver) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// persistIssuedCertificate writes a freshly issued leaf certificate and
// key to certDir using devca's file naming, so a later restart's
// LoadCertDir picks it up and the fsnotify watch has a real file to
// invalidate on the next reissue.
func persistIssuedCertificate(certDir, host string, cert tls.Certificate) error {
	key, ok := cert.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return fmt.Errorf("unsupported private key type %T", cert.PrivateKey)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal leaf key: %w", err)
	}

	var certPEM []byte
	for _, der := range cert.Certificate {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	certPath, keyPath := devca.CertificateFilePaths(certDir, host)
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("write leaf certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("write leaf key: %w", err)
	}
	return nil
}

func hostFromCertFilename(path string) string {
	base := filepath.Base(path)
	for _, ext := range []string{".crt", ".key", ".pem"} {
		if strings.HasSuffix(base, ext) {
			return strings.TrimSuffix(base, ext)
		}
	}
	return ""
}
