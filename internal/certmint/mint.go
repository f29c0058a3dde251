package certmint

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/egressd/egressd/config"
	"github.com/egressd/egressd/internal/logging"
)

const keySize = 2048

// Mint signs per-domain leaf certificates under the proxy CA. Minted
// certs are held in an expiring LRU; generation costs tens of
// milliseconds, a cache hit is a map lookup.
type Mint struct {
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey
	caPEM  []byte

	cache *expirable.LRU[string, *tls.Certificate]

	// One mint per domain at a time; concurrent handshakes for the same
	// domain wait for the first instead of each burning a keygen.
	mintMu  sync.Mutex
	minting map[string]*mintCall

	onMint     func()
	onCacheHit func()
}

type mintCall struct {
	done chan struct{}
	cert *tls.Certificate
	err  error
}

// Option configures optional mint callbacks.
type Option func(*Mint)

// WithCounters wires metric hooks for mints and cache hits.
func WithCounters(onMint, onCacheHit func()) Option {
	return func(m *Mint) {
		m.onMint = onMint
		m.onCacheHit = onCacheHit
	}
}

// New loads or generates the CA, then prewarms any configured domains.
func New(cfg config.TLSConfig, opts ...Option) (*Mint, error) {
	m := &Mint{
		minting: make(map[string]*mintCall),
	}
	for _, o := range opts {
		o(m)
	}
	m.cache = expirable.NewLRU[string, *tls.Certificate](cfg.CertCacheSize, nil, cfg.CertCacheTTL)

	var err error
	switch {
	case cfg.CACertPath != "" && cfg.CAKeyPath != "":
		err = m.loadCA(cfg.CACertPath, cfg.CAKeyPath)
	case cfg.AutoGenerateCA:
		err = m.generateCA()
	default:
		err = fmt.Errorf("mitm requires ca_cert_path/ca_key_path or auto_generate_ca")
	}
	if err != nil {
		return nil, err
	}

	for _, d := range cfg.PrewarmDomains {
		if _, err := m.CertFor(d); err != nil {
			logging.Warn("cert prewarm failed", zap.String("domain", d), zap.Error(err))
		}
	}
	return m, nil
}

// CAPEM returns the CA certificate in PEM form, for distribution to
// clients that must trust the proxy.
func (m *Mint) CAPEM() []byte {
	return m.caPEM
}

// CertFor returns a leaf certificate for domain, minting on cache miss.
func (m *Mint) CertFor(domain string) (*tls.Certificate, error) {
	domain = strings.ToLower(domain)
	if cert, ok := m.cache.Get(domain); ok {
		if m.onCacheHit != nil {
			m.onCacheHit()
		}
		return cert, nil
	}

	m.mintMu.Lock()
	// A racing mint may have finished between the cache miss and here.
	if cert, ok := m.cache.Get(domain); ok {
		m.mintMu.Unlock()
		if m.onCacheHit != nil {
			m.onCacheHit()
		}
		return cert, nil
	}
	if call, ok := m.minting[domain]; ok {
		m.mintMu.Unlock()
		<-call.done
		return call.cert, call.err
	}
	call := &mintCall{done: make(chan struct{})}
	m.minting[domain] = call
	m.mintMu.Unlock()

	call.cert, call.err = m.mint(domain)
	close(call.done)

	m.mintMu.Lock()
	delete(m.minting, domain)
	m.mintMu.Unlock()

	if call.err == nil {
		m.cache.Add(domain, call.cert)
	}
	return call.cert, call.err
}

func (m *Mint) mint(domain string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: domain},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{domain},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, m.caCert, &key.PublicKey, m.caKey)
	if err != nil {
		return nil, fmt.Errorf("sign leaf for %s: %w", domain, err)
	}
	if m.onMint != nil {
		m.onMint()
	}
	leaf, _ := x509.ParseCertificate(der)
	return &tls.Certificate{
		Certificate: [][]byte{der, m.caCert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func (m *Mint) loadCA(certPath, keyPath string) error {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return fmt.Errorf("read ca cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("read ca key: %w", err)
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("parse ca keypair: %w", err)
	}
	caCert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return fmt.Errorf("parse ca cert: %w", err)
	}
	if !caCert.IsCA {
		return fmt.Errorf("certificate at %s is not a CA", certPath)
	}
	caKey, ok := pair.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("ca key has unexpected type %T", pair.PrivateKey)
	}
	m.caCert = caCert
	m.caKey = caKey
	m.caPEM = certPEM
	return nil
}

func (m *Mint) generateCA() error {
	key, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return fmt.Errorf("generate ca key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "egressd proxy CA",
			Organization: []string{"egressd"},
		},
		NotBefore: now.Add(-time.Hour),
		NotAfter:  now.AddDate(10, 0, 0),
		KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign |
			x509.KeyUsageDigitalSignature,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("self-sign ca: %w", err)
	}
	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}
	m.caCert = caCert
	m.caKey = key
	m.caPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	logging.Info("generated ephemeral mitm ca", zap.Time("not_after", caCert.NotAfter))
	return nil
}

// randomSerial returns a random 128-bit certificate serial.
func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}
