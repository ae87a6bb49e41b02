package sase

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
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCertCacheSize is the number of leaf certificates kept in memory.
const DefaultCertCacheSize = 1000

// CertManager issues per-host leaf certificates signed by a root CA that
// exists only in process memory.
//
// The CA private key is never written anywhere. Restarting the process
// produces a new CA, which invalidates every previously issued leaf and
// requires the operator to trust the new root.
type CertManager struct {
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
	caDER  []byte

	// Metrics records cache hits and misses (optional).
	Metrics *Metrics

	// genMu serializes generation so concurrent handshakes for the same
	// host produce one certificate.
	genMu sync.Mutex
	cache *lru.Cache[string, *tls.Certificate]
}

// NewEphemeralCertManager generates a fresh root CA and returns a manager
// that caches up to cacheSize leaf certificates.
func NewEphemeralCertManager(org string, cacheSize int) (*CertManager, error) {
	cert, key, der, err := GenerateCA(org)
	if err != nil {
		return nil, err
	}
	return newCertManager(cert, key, der, cacheSize)
}

func newCertManager(caCert *x509.Certificate, caKey *ecdsa.PrivateKey, caDER []byte, cacheSize int) (*CertManager, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCertCacheSize
	}
	cache, err := lru.New[string, *tls.Certificate](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create certificate cache: %w", err)
	}
	return &CertManager{
		caCert: caCert,
		caKey:  caKey,
		caDER:  caDER,
		cache:  cache,
	}, nil
}

// CACertPEM returns the PEM-encoded root certificate.
func (cm *CertManager) CACertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cm.caDER})
}

// CACertificate returns the parsed root certificate.
func (cm *CertManager) CACertificate() *x509.Certificate {
	return cm.caCert
}

// WriteCACert writes the PEM-encoded root certificate to path so the
// operator can add it to their trust store. The private key stays in memory.
func (cm *CertManager) WriteCACert(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create CA directory: %w", err)
		}
	}
	if err := os.WriteFile(path, cm.CACertPEM(), 0o644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}
	return nil
}

// GetCertificate returns a TLS certificate for the SNI host, generating one
// if needed. This is suitable for use as tls.Config.GetCertificate.
func (cm *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		return nil, fmt.Errorf("no SNI provided")
	}
	return cm.GetCertificateForHost(host)
}

// GetCertificateForHost returns a TLS certificate for the given hostname.
func (cm *CertManager) GetCertificateForHost(host string) (*tls.Certificate, error) {
	if cert, ok := cm.cache.Get(host); ok {
		if cm.Metrics != nil {
			cm.Metrics.RecordCertCacheHit()
		}
		return cert, nil
	}

	cm.genMu.Lock()
	defer cm.genMu.Unlock()

	if cert, ok := cm.cache.Get(host); ok {
		return cert, nil
	}
	if cm.Metrics != nil {
		cm.Metrics.RecordCertCacheMiss()
	}

	cert, err := cm.generateCert(host)
	if err != nil {
		return nil, err
	}

	cm.cache.Add(host, cert)
	if cm.Metrics != nil {
		cm.Metrics.SetCertCacheSize(cm.cache.Len())
	}
	return cert, nil
}

// CacheLen returns the number of cached leaf certificates.
func (cm *CertManager) CacheLen() int {
	return cm.cache.Len()
}

func (cm *CertManager) generateCert(host string) (*tls.Certificate, error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: cm.caCert.Subject.Organization,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour * 365),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, cm.caCert, &privKey.PublicKey, cm.caKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER, cm.caDER},
		PrivateKey:  privKey,
	}, nil
}

// GenerateCA generates a self-signed ECDSA P-256 root CA. It returns the
// parsed certificate, its private key, and the DER encoding.
func GenerateCA(org string) (*x509.Certificate, *ecdsa.PrivateKey, []byte, error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generate CA key: %w", err)
	}

	serialNumber, err := randomSerial()
	if err != nil {
		return nil, nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   org,
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse CA certificate: %w", err)
	}

	return cert, privKey, der, nil
}

func randomSerial() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return n, nil
}
