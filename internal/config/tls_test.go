package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-lab/go/testingx"
)

func writeKeyPair(t *testing.T, dir string) (string, string) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	testingx.Must(t, err, "cannot generate key")
	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "speedtest-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	testingx.Must(t, err, "cannot create certificate")
	keyDER, err := x509.MarshalECPrivateKey(priv)
	testingx.Must(t, err, "cannot marshal key")

	certPath := filepath.Join(dir, "crt.pem")
	keyPath := filepath.Join(dir, "key.pem")
	writeFile(t, certPath, string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})))
	writeFile(t, keyPath, string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})))
	return certPath, keyPath
}

func TestSSLConfig_TLSConfig(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeKeyPair(t, dir)

	s := Default().SSL
	s.CertificateFile = certPath
	s.PrivateKeyFile = keyPath
	// The leaf certificate doubles as a one-element chain.
	s.TrustChainFile = certPath
	s.EnabledCipherSuites = append(s.EnabledCipherSuites, "TLS_DHE_RSA_WITH_AES_128_CCM")

	cfg, err := s.TLSConfig()
	testingx.Must(t, err, "cannot build TLS config")
	if cfg.MinVersion != tls.VersionTLS12 || cfg.MaxVersion != tls.VersionTLS13 {
		t.Errorf("versions = %x-%x, want TLS 1.2-1.3", cfg.MinVersion, cfg.MaxVersion)
	}
	if len(cfg.Certificates) != 1 || len(cfg.Certificates[0].Certificate) != 2 {
		t.Errorf("trust chain has not been appended to the leaf")
	}
	// Six TLS 1.2 suites from the defaults, the others are TLS 1.3 or
	// unsupported.
	if len(cfg.CipherSuites) != 6 {
		t.Errorf("CipherSuites has %d entries, want 6", len(cfg.CipherSuites))
	}
}

func TestSSLConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeKeyPair(t, dir)
	garbage := filepath.Join(dir, "garbage.pem")
	writeFile(t, garbage, "not a pem file")

	tests := []struct {
		name    string
		modify  func(s *SSLConfig)
		wantErr bool
	}{
		{
			name:   "missing-chain-is-tolerated",
			modify: func(s *SSLConfig) { s.TrustChainFile = filepath.Join(dir, "nope.pem") },
		},
		{
			name:    "missing-certificate",
			modify:  func(s *SSLConfig) { s.CertificateFile = filepath.Join(dir, "nope.pem") },
			wantErr: true,
		},
		{
			name:    "empty-chain",
			modify:  func(s *SSLConfig) { s.TrustChainFile = garbage },
			wantErr: true,
		},
		{
			name:    "unknown-version",
			modify:  func(s *SSLConfig) { s.TLS = []string{"SSLv3"} },
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default().SSL
			s.CertificateFile = certPath
			s.PrivateKeyFile = keyPath
			tt.modify(&s)
			_, err := s.TLSConfig()
			if (err != nil) != tt.wantErr {
				t.Errorf("TLSConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
