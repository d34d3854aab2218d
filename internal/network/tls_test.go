package network

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevTLSCertDeterministic(t *testing.T) {
	_, a, err := devTLSCert()
	require.NoError(t, err)
	_, b, err := devTLSCert()
	require.NoError(t, err)
	assert.Equal(t, a, b)

	cert, err := x509.ParseCertificate(a)
	require.NoError(t, err)
	assert.Contains(t, cert.DNSNames, "walkie")
}

func TestClientTLSConfigPinsDevCert(t *testing.T) {
	conf, err := clientTLSConfig()
	require.NoError(t, err)
	assert.Equal(t, "walkie", conf.ServerName)
	assert.Equal(t, []string{quicALPN}, conf.NextProtos)
	require.NotNil(t, conf.RootCAs)

	srv, err := serverTLSConfig()
	require.NoError(t, err)
	require.Len(t, srv.Certificates, 1)
	assert.Equal(t, []string{quicALPN}, srv.NextProtos)
}
