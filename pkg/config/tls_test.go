package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qollective/qollective-go/pkg/qerrors"
)

// writeSelfSigned produces a throwaway cert/key pair for file validation.
func writeSelfSigned(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "qollective-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "cert.pem")
	certOut, err := os.Create(certPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyPath = filepath.Join(dir, "key.pem")
	keyOut, err := os.Create(keyPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	require.NoError(t, keyOut.Close())
	return certPath, keyPath
}

func TestTLSDisabledLoadsNil(t *testing.T) {
	s := TLSSettings{Mode: TLSModeDisabled}
	cfg, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestTLSSkipVerify(t *testing.T) {
	s := TLSSettings{Mode: TLSModeSkipVerify}
	require.NoError(t, s.Validate())
	cfg, err := s.Load()
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)
}

func TestTLSSkipVerifyRejectsCustomCA(t *testing.T) {
	s := TLSSettings{Mode: TLSModeSkipVerify, CAFile: "/tmp/ca.pem"}
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "skip_verify")
}

func TestTLSCustomCARequiresFile(t *testing.T) {
	s := TLSSettings{Mode: TLSModeCustomCA}
	require.Error(t, s.Validate())

	s.CAFile = filepath.Join(t.TempDir(), "missing.pem")
	require.Error(t, s.Validate())
}

func TestTLSCustomCALoads(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSigned(t, dir)

	s := TLSSettings{Mode: TLSModeCustomCA, CAFile: certPath}
	require.NoError(t, s.Validate())
	cfg, err := s.Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)

	mutual := TLSSettings{Mode: TLSModeMutual, CAFile: certPath, CertFile: certPath, KeyFile: keyPath}
	require.NoError(t, mutual.Validate())
	mCfg, err := mutual.Load()
	require.NoError(t, err)
	assert.Len(t, mCfg.Certificates, 1)
}

func TestTLSRequiredStrategyNeedsMode(t *testing.T) {
	s := TLSSettings{Mode: TLSModeDisabled, Strategy: CryptoRequired}
	require.Error(t, s.Validate())

	_, err := s.Load()
	require.Error(t, err)
	assert.True(t, qerrors.IsKind(err, qerrors.KindTLS))
}

func TestTLSUnknownModeRejected(t *testing.T) {
	s := TLSSettings{Mode: "quantum"}
	require.Error(t, s.Validate())
}
