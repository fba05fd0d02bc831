// Package tlsutil generates the server's self-signed TLS certificate and
// the client config that accepts it (no CA pool, no fingerprint check).
package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"time"
)

// DefaultValidity is the certificate lifetime used absent an override.
const DefaultValidity = 365 * 24 * time.Hour

// GenerateSelfSigned creates a self-signed ECDSA P-256 certificate with
// subject CN=BotWave-Server and SAN localhost/127.0.0.1, returning a ready
// tls.Config plus its SHA-256 fingerprint for operator verification (the
// "trust on first use" model means the fingerprint is the only thing worth
// logging — there is no CA to validate against).
func GenerateSelfSigned(validity time.Duration) (*tls.Config, string, error) {
	if validity <= 0 {
		validity = DefaultValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("tlsutil: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, "", fmt.Errorf("tlsutil: generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "BotWave-Server"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		IsCA:         true,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, "", fmt.Errorf("tlsutil: create certificate: %w", err)
	}

	fingerprint := sha256.Sum256(der)

	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	return cfg, hex.EncodeToString(fingerprint[:]), nil
}

// TrustingClientConfig returns a tls.Config that accepts any server
// certificate: there is no CA pool and the certificate's fingerprint is not
// checked. The server logs its certificate's fingerprint at startup.
func TrustingClientConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12}
}
