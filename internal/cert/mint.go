// Package cert implements spec §4.3's CertificateMint: on-demand per-host
// leaf certificates signed by a locally trusted CA, minted at most once per
// host even under concurrent callers, and cached on disk.
package cert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	leafValidBefore = 24 * time.Hour
	leafValidAfter  = 365 * 24 * time.Hour
	leafKeyBits     = 2048
)

// Manager is the CertificateMint. It never mints until CA material is
// loaded; construction fails closed if the CA files are missing or
// unparseable, per spec §4.3's "fail startup" requirement.
type Manager struct {
	certsDir string
	log      *zap.Logger

	caCert *x509.Certificate
	caKey  *rsa.PrivateKey

	flight singleflight.Group // keyed per-host: at most one mint in flight
}

// Load reads the CA certificate and key from disk and returns a Manager
// that mints leaves into certsDir.
func Load(caCertPath, caKeyPath, certsDir string, log *zap.Logger) (*Manager, error) {
	certPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate %s: %w", caCertPath, err)
	}
	keyPEM, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read CA key %s: %w", caKeyPath, err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("no PEM block found in CA certificate %s", caCertPath)
	}
	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("no PEM block found in CA key %s", caKeyPath)
	}
	caKey, err := parseRSAKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA key: %w", err)
	}

	if err := os.MkdirAll(certsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create certs directory: %w", err)
	}

	return &Manager{certsDir: certsDir, log: log, caCert: caCert, caKey: caKey}, nil
}

func parseRSAKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("CA private key is not RSA")
	}
	return rsaKey, nil
}

// Obtain returns the PEM-encoded leaf certificate and key for host, minting
// them on first use. Concurrent callers for the same host perform at most
// one signing operation (spec §4.3/P4); callers for distinct hosts proceed
// in parallel since singleflight.Group keys independently per host (spec
// §9: "a keyed single-flight primitive, not a global lock").
func (m *Manager) Obtain(host string) (certPEM, keyPEM []byte, err error) {
	if certPEM, keyPEM, ok := m.readCached(host); ok {
		return certPEM, keyPEM, nil
	}

	v, err, _ := m.flight.Do(host, func() (interface{}, error) {
		// Re-check under the single-flight key: a prior caller for this
		// host may have finished minting between our initial readCached
		// miss and entering Do.
		if certPEM, keyPEM, ok := m.readCached(host); ok {
			return pemPair{certPEM, keyPEM}, nil
		}
		return m.mint(host)
	})
	if err != nil {
		return nil, nil, err
	}
	pair := v.(pemPair)
	return pair.cert, pair.key, nil
}

type pemPair struct {
	cert, key []byte
}

func (m *Manager) paths(host string) (certPath, keyPath string) {
	safe := filepath.Base(host) // hosts come from CONNECT targets / absolute URLs, never path-like, but defend anyway
	return filepath.Join(m.certsDir, safe+".crt"), filepath.Join(m.certsDir, safe+".key")
}

func (m *Manager) readCached(host string) (certPEM, keyPEM []byte, ok bool) {
	certPath, keyPath := m.paths(host)
	c, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, false
	}
	k, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, false
	}
	return c, k, true
}

// mint generates a fresh RSA-2048 leaf key, signs it with the CA, and
// writes both PEMs to disk atomically before returning them.
func (m *Manager) mint(host string) (pemPair, error) {
	hostname := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	}

	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return pemPair{}, fmt.Errorf("generate leaf key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return pemPair{}, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		NotBefore:    now.Add(-leafValidBefore),
		NotAfter:     now.Add(leafValidAfter),
		DNSNames:     []string{hostname},
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, m.caCert, &key.PublicKey, m.caKey)
	if err != nil {
		return pemPair{}, fmt.Errorf("sign leaf certificate for %s: %w", hostname, err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	certPath, keyPath := m.paths(host)
	if err := writeAtomic(keyPath, keyPEM, 0o600); err != nil {
		return pemPair{}, err
	}
	if err := writeAtomic(certPath, certPEM, 0o644); err != nil {
		return pemPair{}, err
	}

	m.log.Info("minted leaf certificate", zap.String("host", hostname))
	return pemPair{cert: certPEM, key: keyPEM}, nil
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s into place: %w", path, err)
	}
	return nil
}

// TLSCertificate builds a tls.Certificate for host, suitable for
// tls.Config.Certificates, minting on demand via Obtain.
func (m *Manager) TLSCertificate(host string) (tls.Certificate, error) {
	certPEM, keyPEM, err := m.Obtain(host)
	if err != nil {
		return tls.Certificate{}, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("build TLS certificate for %s: %w", host, err)
	}
	return cert, nil
}
