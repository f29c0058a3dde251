package certmint

import (
	"crypto/x509"
	"sync"
	"testing"
	"time"

	"github.com/egressd/egressd/config"
)

func testMint(t *testing.T) *Mint {
	t.Helper()
	m, err := New(config.TLSConfig{
		AutoGenerateCA: true,
		CertCacheSize:  16,
		CertCacheTTL:   time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestMintLeafProperties(t *testing.T) {
	m := testMint(t)
	cert, err := m.CertFor("api.example.com")
	if err != nil {
		t.Fatalf("CertFor: %v", err)
	}

	leaf := cert.Leaf
	if leaf == nil {
		t.Fatal("leaf not parsed")
	}
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "api.example.com" {
		t.Errorf("SAN = %v, want [api.example.com]", leaf.DNSNames)
	}
	if leaf.IsCA {
		t.Error("leaf marked as CA")
	}
	if got := leaf.NotAfter.Sub(leaf.NotBefore); got < 360*24*time.Hour {
		t.Errorf("validity %v, want about a year", got)
	}
	if leaf.SerialNumber.BitLen() > 128 {
		t.Errorf("serial %d bits, want <= 128", leaf.SerialNumber.BitLen())
	}

	// The chain must verify against the minted CA.
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(m.CAPEM()) {
		t.Fatal("CA PEM did not parse")
	}
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: roots, DNSName: "api.example.com"}); err != nil {
		t.Errorf("chain verify: %v", err)
	}
}

func TestMintCacheHit(t *testing.T) {
	mints, hits := 0, 0
	m, err := New(config.TLSConfig{
		AutoGenerateCA: true,
		CertCacheSize:  16,
		CertCacheTTL:   time.Hour,
	}, WithCounters(func() { mints++ }, func() { hits++ }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c1, _ := m.CertFor("example.com")
	c2, _ := m.CertFor("EXAMPLE.com")
	if c1 != c2 {
		t.Error("cache miss on case-insensitive lookup")
	}
	if mints != 1 || hits != 1 {
		t.Errorf("mints=%d hits=%d, want 1/1", mints, hits)
	}
}

func TestMintConcurrentDedup(t *testing.T) {
	mints := 0
	m, err := New(config.TLSConfig{
		AutoGenerateCA: true,
		CertCacheSize:  16,
		CertCacheTTL:   time.Hour,
	}, WithCounters(func() { mints++ }, nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.CertFor("burst.example.com"); err != nil {
				t.Errorf("CertFor: %v", err)
			}
		}()
	}
	wg.Wait()
	if mints != 1 {
		t.Errorf("mints = %d, want 1 (concurrent handshakes share one mint)", mints)
	}
}

func TestMintPrewarm(t *testing.T) {
	hits := 0
	m, err := New(config.TLSConfig{
		AutoGenerateCA: true,
		CertCacheSize:  16,
		CertCacheTTL:   time.Hour,
		PrewarmDomains: []string{"warm.example.com"},
	}, WithCounters(nil, func() { hits++ }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.CertFor("warm.example.com"); err != nil {
		t.Fatalf("CertFor: %v", err)
	}
	if hits != 1 {
		t.Errorf("hits = %d, want prewarmed domain served from cache", hits)
	}
}

func TestMintRequiresCA(t *testing.T) {
	_, err := New(config.TLSConfig{CertCacheSize: 4, CertCacheTTL: time.Hour})
	if err == nil {
		t.Fatal("New succeeded without CA source")
	}
}
