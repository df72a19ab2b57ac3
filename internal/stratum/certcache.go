package stratum

import (
	"crypto/tls"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/pkcs12"
)

// certCache loads each PFX/PKCS#12 bundle from disk at most once per
// process, keyed by file path, since several stratum listeners on the
// same pool commonly share one certificate (spec.md §4.1: "cached
// process-wide by file path (load-once, share-all)").
var certCache = struct {
	mu    sync.Mutex
	certs map[string]*tls.Certificate
}{certs: make(map[string]*tls.Certificate)}

// loadPFXCertificate decodes a PKCS#12 bundle into a tls.Certificate,
// caching the result by path so repeated listeners on the same file
// pay the decode cost once.
func loadPFXCertificate(path, password string) (*tls.Certificate, error) {
	certCache.mu.Lock()
	defer certCache.mu.Unlock()

	if cert, ok := certCache.certs[path]; ok {
		return cert, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pfx file %s: %w", path, err)
	}

	privateKey, certificate, err := pkcs12.Decode(data, password)
	if err != nil {
		return nil, fmt.Errorf("decoding pkcs12 bundle %s: %w", path, err)
	}

	cert := &tls.Certificate{
		Certificate: [][]byte{certificate.Raw},
		PrivateKey:  privateKey,
		Leaf:        certificate,
	}

	certCache.certs[path] = cert
	return cert, nil
}
