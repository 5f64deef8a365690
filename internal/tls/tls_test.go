package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_Disabled(t *testing.T) {
	cfg, err := Setup(Config{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestSetup_AutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	cfg, err := Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true, Hosts: []string{"fx.local", "10.0.0.5"}})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)

	for _, f := range []string{tlsCrt, tlsKey, tlsCaCrt} {
		_, err := os.Stat(filepath.Join(dir, f))
		require.NoError(t, err, f)
	}

	raw, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	require.NoError(t, err)
	block, _ := pem.Decode(raw)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, []string{"fx.local"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 1)
	assert.Equal(t, "10.0.0.5", cert.IPAddresses[0].String())

	assert.Equal(t, filepath.Join(dir, tlsCaCrt), CAFile(Config{Dir: dir}))
	assert.Equal(t, "/etc/x.crt", CAFile(Config{CertFile: "/etc/x.crt", Dir: dir}))
	assert.Empty(t, CAFile(Config{}))

	c, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.NotEmpty(t, c.Certificate)
}

func TestSetup_ExplicitFilesAndErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, generateCertificate(Config{}, dir))

	cfg, err := Setup(Config{
		Enabled:    true,
		CertFile:   filepath.Join(dir, tlsCrt),
		KeyFile:    filepath.Join(dir, tlsKey),
		MinVersion: "1.3",
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)

	_, err = Setup(Config{Enabled: true})
	assert.Error(t, err)

	_, err = Setup(Config{Enabled: true, Dir: t.TempDir()})
	assert.Error(t, err, "missing pair without auto_generate")

	_, err = Setup(Config{Enabled: true, Dir: dir, MinVersion: "1.0"})
	assert.Error(t, err)
}
