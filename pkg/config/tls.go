package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/qollective/qollective-go/pkg/qerrors"
)

// CryptoStrategy declares how TLS material is provisioned. Configs state
// their need up front and the runtime verifies once at construction
// instead of relying on ambient global providers.
type CryptoStrategy string

const (
	// CryptoAutoInstall falls back to the system trust store when no
	// files are configured.
	CryptoAutoInstall CryptoStrategy = "auto_install"
	// CryptoConfigured uses exactly the configured files.
	CryptoConfigured CryptoStrategy = "configured"
	// CryptoRequired refuses to start without complete TLS material.
	CryptoRequired CryptoStrategy = "required"
)

// TLS modes supported across all transports.
const (
	TLSModeDisabled   = "disabled"
	TLSModeSystem     = "system"
	TLSModeCustomCA   = "custom_ca"
	TLSModeMutual     = "mutual"
	TLSModeSkipVerify = "skip_verify"
)

// TLSSettings is the shared TLS block every transport consumes.
type TLSSettings struct {
	Mode        string         `yaml:"mode" json:"mode" envconfig:"MODE"`
	Strategy    CryptoStrategy `yaml:"strategy" json:"strategy" envconfig:"STRATEGY"`
	CAFile      string         `yaml:"ca_file" json:"ca_file" envconfig:"CA_FILE"`
	CertFile    string         `yaml:"cert_file" json:"cert_file" envconfig:"CERT_FILE"`
	KeyFile     string         `yaml:"key_file" json:"key_file" envconfig:"KEY_FILE"`
	ServerName  string         `yaml:"server_name" json:"server_name" envconfig:"SERVER_NAME"`
	Environment string         `yaml:"environment" json:"environment" envconfig:"ENVIRONMENT"`
}

// Enabled reports whether any TLS handling is requested.
func (t *TLSSettings) Enabled() bool {
	return t.Mode != "" && t.Mode != TLSModeDisabled
}

// Validate checks mode consistency and file availability. Skip-verify is
// mutually exclusive with a custom CA, and warns in production.
func (t *TLSSettings) Validate() error {
	switch t.Mode {
	case "", TLSModeDisabled, TLSModeSystem, TLSModeCustomCA, TLSModeMutual, TLSModeSkipVerify:
	default:
		return fmt.Errorf("tls.mode must be one of disabled, system, custom_ca, mutual, skip_verify; got %q", t.Mode)
	}
	switch t.Strategy {
	case "", CryptoAutoInstall, CryptoConfigured, CryptoRequired:
	default:
		return fmt.Errorf("tls.strategy must be one of auto_install, configured, required; got %q", t.Strategy)
	}
	if t.Mode == TLSModeSkipVerify && t.CAFile != "" {
		return fmt.Errorf("tls.ca_file cannot be combined with skip_verify mode")
	}
	if t.Mode == TLSModeSkipVerify && t.Environment == "production" {
		logrus.Warn("TLS verification disabled in a production configuration")
	}
	if t.Mode == TLSModeCustomCA && t.CAFile == "" {
		return fmt.Errorf("tls.ca_file is required for custom_ca mode")
	}
	if t.Mode == TLSModeMutual && (t.CertFile == "" || t.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file are required for mutual mode")
	}
	for _, f := range []string{t.CAFile, t.CertFile, t.KeyFile} {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("tls file %s is not accessible: %w", f, err)
		}
	}
	if t.Strategy == CryptoRequired && !t.Enabled() {
		return fmt.Errorf("tls.strategy required but tls.mode is disabled")
	}
	return nil
}

// Load builds the tls.Config once per transport constructor. Returns nil
// when TLS is disabled.
func (t *TLSSettings) Load() (*tls.Config, error) {
	if !t.Enabled() {
		if t.Strategy == CryptoRequired {
			return nil, qerrors.New(qerrors.KindTLS, "crypto strategy requires TLS but mode is disabled")
		}
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: t.ServerName,
	}

	switch t.Mode {
	case TLSModeSkipVerify:
		cfg.InsecureSkipVerify = true
	case TLSModeCustomCA, TLSModeMutual:
		if t.CAFile != "" {
			pem, err := os.ReadFile(t.CAFile)
			if err != nil {
				return nil, qerrors.Wrap(qerrors.KindTLS, "reading CA file", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, qerrors.New(qerrors.KindTLS, "CA file contains no usable certificates")
			}
			cfg.RootCAs = pool
		}
	case TLSModeSystem:
		// RootCAs nil means the system pool.
	}

	if t.CertFile != "" && t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, qerrors.Wrap(qerrors.KindTLS, "loading key pair", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	} else if t.Strategy == CryptoRequired && t.Mode == TLSModeMutual {
		return nil, qerrors.New(qerrors.KindTLS, "mutual TLS requires cert and key files")
	}

	return cfg, nil
}
