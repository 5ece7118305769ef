// Package tls builds the admin API's server-side TLS configuration. It can
// load operator-provided certificates or generate a self-signed pair into a
// directory for development setups.
package tls

import (
	"crypto/tls"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	certName = "remold.crt"
	keyName  = "remold.key"
)

// Config is the TLS section of the admin config.
type Config struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	CommonName   string   `toml:"common_name" mapstructure:"common_name"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

// Build returns the server TLS configuration, or nil when disabled.
// Explicit cert/key files win over the directory; with AutoGenerate set a
// missing directory pair is created as a self-signed certificate.
func (c Config) Build() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if c.CertFile != "" && c.KeyFile != "" {
		return serverConfig(c.CertFile, c.KeyFile), nil
	}
	if c.Dir == "" {
		return nil, errors.New("tls: enabled but no cert_file/key_file or dir configured")
	}

	certPath := filepath.Join(c.Dir, certName)
	keyPath := filepath.Join(c.Dir, keyName)
	if c.AutoGenerate && !pairExists(certPath, keyPath) {
		if err := os.MkdirAll(c.Dir, 0o755); err != nil {
			return nil, err
		}
		if err := c.generate(certPath, keyPath); err != nil {
			return nil, err
		}
	}
	return serverConfig(certPath, keyPath), nil
}

func (c Config) generate(certPath, keyPath string) error {
	cn := c.CommonName
	if cn == "" {
		cn = "localhost"
	}
	names := c.DNSNames
	if len(names) == 0 {
		names = []string{"localhost"}
	}
	days := c.ValidDays
	if days <= 0 {
		days = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:  cn,
		DNSNames:    names,
		IPAddresses: []string{"127.0.0.1"},
		NotAfter:    time.Now().AddDate(0, 0, days),
		CertPath:    certPath,
		KeyPath:     keyPath,
	})
}

// serverConfig reloads the pair on every handshake so rotated certificates
// are picked up without a restart.
func serverConfig(certPath, keyPath string) *tls.Config {
	baseDir := filepath.Dir(certPath)
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			certPEM, err := safeReadFile(baseDir, certPath)
			if err != nil {
				return nil, err
			}
			keyPEM, err := safeReadFile(baseDir, keyPath)
			if err != nil {
				return nil, err
			}
			cert, err := tls.X509KeyPair(certPEM, keyPEM)
			if err != nil {
				return nil, err
			}
			return &cert, nil
		},
	}
}

// safeReadFile refuses paths that escape the certificate directory.
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("tls: file path outside certificate directory")
		}
	}
	return os.ReadFile(clean)
}

func pairExists(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}
