package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// selfSignedCert builds a throwaway self-signed certificate for exercising
// the file load/save helpers without a real CA.
func selfSignedCert(t *testing.T, notAfter time.Time) *x509.Certificate {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "test-node"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func selfSignedTLSCert(t *testing.T, notAfter time.Time) (*tls.Certificate, *x509.Certificate) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "test-node"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, leaf
}

func TestSaveLoadCertToFile(t *testing.T) {
	certDir := t.TempDir()

	cert, _ := selfSignedTLSCert(t, time.Now().Add(90*24*time.Hour))

	require.NoError(t, SaveCertToFile(cert, certDir))

	loaded, err := LoadCertFromFile(certDir)
	require.NoError(t, err)
	require.Equal(t, cert.Leaf.Subject.CommonName, loaded.Leaf.Subject.CommonName)
}

func TestSaveLoadCACertToFile(t *testing.T) {
	certDir := t.TempDir()

	caCert := selfSignedCert(t, time.Now().Add(10*365*24*time.Hour))

	require.NoError(t, SaveCACertToFile(caCert.Raw, certDir))

	loaded, err := LoadCACertFromFile(certDir)
	require.NoError(t, err)
	require.True(t, loaded.Equal(caCert))
}

func TestCertExists(t *testing.T) {
	tmpDir := t.TempDir()

	require.False(t, CertExists(tmpDir))

	certPath := filepath.Join(tmpDir, "node.crt")
	keyPath := filepath.Join(tmpDir, "node.key")
	caPath := filepath.Join(tmpDir, "ca.crt")

	require.NoError(t, os.WriteFile(certPath, []byte("cert"), 0600))
	require.NoError(t, os.WriteFile(keyPath, []byte("key"), 0600))
	require.NoError(t, os.WriteFile(caPath, []byte("ca"), 0600))
	require.True(t, CertExists(tmpDir))

	require.NoError(t, os.Remove(keyPath))
	require.False(t, CertExists(tmpDir))
}

func TestCertNeedsRotation(t *testing.T) {
	tests := []struct {
		name     string
		notAfter time.Time
		needsRot bool
	}{
		{"expires in 1 day", time.Now().Add(24 * time.Hour), true},
		{"expires in 29 days", time.Now().Add(29 * 24 * time.Hour), true},
		{"expires in 31 days", time.Now().Add(31 * 24 * time.Hour), false},
		{"expires in 60 days", time.Now().Add(60 * 24 * time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert := &x509.Certificate{NotAfter: tt.notAfter}
			require.Equal(t, tt.needsRot, CertNeedsRotation(cert))
		})
	}

	require.True(t, CertNeedsRotation(nil))
}

func TestGetCertExpiry(t *testing.T) {
	expected := time.Now().Add(90 * 24 * time.Hour)
	cert := &x509.Certificate{NotAfter: expected}

	require.True(t, GetCertExpiry(cert).Equal(expected))
	require.True(t, GetCertExpiry(nil).IsZero())
}

func TestGetCertTimeRemaining(t *testing.T) {
	expected := 45 * 24 * time.Hour
	cert := &x509.Certificate{NotAfter: time.Now().Add(expected)}

	remaining := GetCertTimeRemaining(cert)
	diff := remaining - expected
	require.True(t, diff >= -time.Second && diff <= time.Second)

	require.Zero(t, GetCertTimeRemaining(nil))
}

func TestValidateCertChain(t *testing.T) {
	ca := selfSignedCert(t, time.Now().Add(10*365*24*time.Hour))

	require.NoError(t, ValidateCertChain(ca, ca))
	require.Error(t, ValidateCertChain(nil, ca))
	require.Error(t, ValidateCertChain(ca, nil))
}

func TestGetCertInfo(t *testing.T) {
	cert := selfSignedCert(t, time.Now().Add(90*24*time.Hour))

	info := GetCertInfo(cert)
	require.Equal(t, "test-node", info["subject"])
	require.Equal(t, false, info["is_ca"])

	nilInfo := GetCertInfo(nil)
	require.Contains(t, nilInfo, "error")
}

func TestGetCertDir(t *testing.T) {
	tests := []struct {
		nodeType string
		nodeID   string
	}{
		{"local", "sandbox-1"},
		{"remote", "sandbox-2"},
	}

	for _, tt := range tests {
		t.Run(tt.nodeType+"-"+tt.nodeID, func(t *testing.T) {
			certDir, err := GetCertDir(tt.nodeType, tt.nodeID)
			require.NoError(t, err)
			require.Equal(t, tt.nodeType+"-"+tt.nodeID, filepath.Base(certDir))
		})
	}
}

func TestGetCLICertDir(t *testing.T) {
	certDir, err := GetCLICertDir()
	require.NoError(t, err)
	require.Equal(t, "cli", filepath.Base(certDir))
}

func TestRemoveCerts(t *testing.T) {
	tmpDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "node.crt"), []byte("cert"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "node.key"), []byte("key"), 0600))

	require.NoError(t, RemoveCerts(tmpDir))

	_, err := os.Stat(tmpDir)
	require.True(t, os.IsNotExist(err))
}
