// Package certs creates throwaway TLS identities for serving the HTTP API
// over HTTPS without provisioning certificates.
package certs

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

// DefaultValidity is used when SelfSigned is given a non-positive validity.
const DefaultValidity = 30 * 24 * time.Hour

// Identity is a self-signed certificate and its key.
type Identity struct {
	Cert        tls.Certificate
	Fingerprint [sha256.Size]byte
	NotAfter    time.Time
}

// FingerprintHex returns the SHA-256 fingerprint of the certificate as
// colon separated hex, the form browsers and curl display.
func (id *Identity) FingerprintHex() string {
	b := make([]byte, 0, 3*len(id.Fingerprint))
	for i, v := range id.Fingerprint {
		if i > 0 {
			b = append(b, ':')
		}
		b = hex.AppendEncode(b, []byte{v})
	}
	return string(b)
}

// TLSConfig returns a server configuration presenting the identity.
func (id *Identity) TLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{id.Cert},
		MinVersion:   tls.VersionTLS12,
	}
}

// SelfSigned creates an ECDSA P-256 certificate for hosts, which may be
// DNS names or IP addresses. Loopback names are always included.
func SelfSigned(hosts []string, validity time.Duration) (*Identity, error) {
	if validity <= 0 {
		validity = DefaultValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-time.Minute)
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "avplay"},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else if h != "" && h != "localhost" {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return &Identity{
		Cert:        tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key},
		Fingerprint: sha256.Sum256(der),
		NotAfter:    tmpl.NotAfter,
	}, nil
}
