package config

import (
	"crypto/tls"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

var tlsVersions = map[string]uint16{
	"TLSv1":   tls.VersionTLS10,
	"TLSv1_0": tls.VersionTLS10,
	"TLSv1_1": tls.VersionTLS11,
	"TLSv1_2": tls.VersionTLS12,
	"TLSv1_3": tls.VersionTLS13,
}

// TLSConfig builds the *tls.Config described by s. The trust chain, when
// present, is appended to the leaf certificate.
func (s *SSLConfig) TLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.CertificateFile, s.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("cannot load key pair: %w", err)
	}
	if s.TrustChainFile != "" {
		chain, err := readChain(s.TrustChainFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Warn("Trust chain file not found, serving the leaf only", "path", s.TrustChainFile)
		case err != nil:
			return nil, err
		default:
			cert.Certificate = append(cert.Certificate, chain...)
		}
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h2", "http/1.1"},
	}
	if err := s.applyVersions(cfg); err != nil {
		return nil, err
	}
	cfg.CipherSuites = s.cipherSuites()
	return cfg, nil
}

func (s *SSLConfig) applyVersions(cfg *tls.Config) error {
	for _, name := range s.TLS {
		v, ok := tlsVersions[strings.ReplaceAll(name, ".", "_")]
		if !ok {
			return fmt.Errorf("unknown TLS version %q", name)
		}
		if cfg.MinVersion == 0 || v < cfg.MinVersion {
			cfg.MinVersion = v
		}
		if v > cfg.MaxVersion {
			cfg.MaxVersion = v
		}
	}
	return nil
}

// cipherSuites maps the configured names to Go's suite IDs. TLS 1.3 suites
// are not configurable in Go and, like unknown names, are skipped. A nil
// result leaves Go's defaults in place.
func (s *SSLConfig) cipherSuites() []uint16 {
	if len(s.EnabledCipherSuites) == 0 {
		return nil
	}
	known := map[string]*tls.CipherSuite{}
	for _, cs := range tls.CipherSuites() {
		known[cs.Name] = cs
	}
	var ids []uint16
	for _, name := range s.EnabledCipherSuites {
		cs, ok := known[name]
		if !ok {
			log.Debug("Ignoring unsupported cipher suite", "name", name)
			continue
		}
		if len(cs.SupportedVersions) == 1 && cs.SupportedVersions[0] == tls.VersionTLS13 {
			continue
		}
		ids = append(ids, cs.ID)
	}
	return ids
}

func readChain(path string) ([][]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read trust chain: %w", err)
	}
	var chain [][]byte
	for {
		var block *pem.Block
		block, b = pem.Decode(b)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			chain = append(chain, block.Bytes)
		}
	}
	if len(chain) == 0 {
		return nil, errors.New("no certificates found in " + path)
	}
	return chain, nil
}
