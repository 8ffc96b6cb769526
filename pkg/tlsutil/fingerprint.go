package tlsutil

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// NormalizeFingerprint lowercases a SHA-256 fingerprint and strips colons.
func NormalizeFingerprint(fingerprint string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(fingerprint), ":", ""))
}

// FingerprintVerifier returns a TLS config that pins the leaf certificate
// to the given SHA-256 fingerprint instead of verifying the chain.
func FingerprintVerifier(fingerprint string) *tls.Config {
	expected := NormalizeFingerprint(fingerprint)

	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		//nolint:gosec // Chain verification is replaced by the pinned fingerprint below.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("no certificates presented by server")
			}
			sum := sha256.Sum256(rawCerts[0])
			actual := hex.EncodeToString(sum[:])
			if actual != expected {
				return fmt.Errorf("certificate fingerprint mismatch: expected %s, got %s", expected, actual)
			}
			return nil
		},
	}
}

// TLSConfig builds the client TLS configuration for the given verification mode.
// A fingerprint takes precedence over verifySSL.
func TLSConfig(verifySSL bool, fingerprint string) *tls.Config {
	if strings.TrimSpace(fingerprint) != "" {
		return FingerprintVerifier(fingerprint)
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if !verifySSL {
		//nolint:gosec // Insecure mode is explicitly user-controlled.
		cfg.InsecureSkipVerify = true
	}
	return cfg
}

// CreateHTTPClientWithTimeout creates an HTTP client for talking to Proxmox or
// the control plane. Proxmox hosts commonly run self-signed certificates, so
// callers choose between CA verification, fingerprint pinning or no verification.
func CreateHTTPClientWithTimeout(verifySSL bool, fingerprint string, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		DialContext:           DialContextWithCache,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       TLSConfig(verifySSL, fingerprint),
	}

	if timeout < 0 {
		timeout = 0
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
