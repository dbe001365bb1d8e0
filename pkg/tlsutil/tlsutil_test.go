package tlsutil

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/duplexbus/channel"
	"github.com/c360/duplexbus/connector"
	"github.com/c360/duplexbus/connector/tcp"
	"github.com/c360/duplexbus/testutil"
)

// writeCert creates a self-signed certificate usable for both ends and returns
// the cert and key paths.
func writeCert(t *testing.T, cn string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestLoadServerConfig(t *testing.T) {
	certFile, keyFile := writeCert(t, "localhost")

	tests := []struct {
		name    string
		cfg     ServerConfig
		wantNil bool
		wantErr bool
		check   func(*testing.T, *tls.Config)
	}{
		{name: "disabled", cfg: ServerConfig{CertFile: certFile}, wantNil: true},
		{
			name: "tls 1.3",
			cfg:  ServerConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, MinVersion: "1.3"},
			check: func(t *testing.T, c *tls.Config) {
				assert.Equal(t, uint16(tls.VersionTLS13), c.MinVersion)
				assert.Len(t, c.Certificates, 1)
				assert.Equal(t, tls.NoClientCert, c.ClientAuth)
			},
		},
		{
			name: "optional client certs",
			cfg:  ServerConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, ClientCAFiles: []string{certFile}},
			check: func(t *testing.T, c *tls.Config) {
				assert.Equal(t, tls.VerifyClientCertIfGiven, c.ClientAuth)
				assert.NotNil(t, c.ClientCAs)
				assert.Nil(t, c.VerifyPeerCertificate)
			},
		},
		{
			name: "required client certs with CN list",
			cfg: ServerConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, ClientCAFiles: []string{certFile},
				RequireClientCert: true, AllowedClientCNs: []string{"svc"}},
			check: func(t *testing.T, c *tls.Config) {
				assert.Equal(t, tls.RequireAndVerifyClientCert, c.ClientAuth)
				assert.NotNil(t, c.VerifyPeerCertificate)
			},
		},
		{name: "missing key", cfg: ServerConfig{Enabled: true, CertFile: certFile, KeyFile: "/nonexistent/key.pem"}, wantErr: true},
		{name: "bad client CA", cfg: ServerConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile,
			ClientCAFiles: []string{keyFile}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoadServerConfig(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			tt.check(t, got)
		})
	}
}

func TestLoadClientConfig(t *testing.T) {
	certFile, keyFile := writeCert(t, "client")

	c, err := LoadClientConfig(ClientConfig{CAFiles: []string{certFile}, CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)
	assert.NotNil(t, c.RootCAs)
	assert.Len(t, c.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS12), c.MinVersion)
	assert.False(t, c.InsecureSkipVerify)

	_, err = LoadClientConfig(ClientConfig{CAFiles: []string{"/nonexistent/ca.pem"}})
	assert.Error(t, err)
}

func TestVersions(t *testing.T) {
	for _, v := range []string{"", "1.2", "1.3"} {
		assert.True(t, ValidVersion(v), v)
	}
	assert.False(t, ValidVersion("1.1"))
	assert.Equal(t, uint16(tls.VersionTLS12), ParseVersion("1.0"))
	assert.Equal(t, uint16(tls.VersionTLS13), ParseVersion("1.3"))
}

func TestVerifyAllowedClientCN(t *testing.T) {
	leaf := &x509.Certificate{Subject: pkix.Name{CommonName: "svc"}}
	assert.NoError(t, verifyAllowedClientCN([][]*x509.Certificate{{leaf}}, []string{"other", "svc"}))
	assert.ErrorContains(t, verifyAllowedClientCN([][]*x509.Certificate{{leaf}}, []string{"other"}), "not in allowed list")
	assert.Error(t, verifyAllowedClientCN(nil, []string{"svc"}))
}

// handshake runs one TLS handshake and returns the server side error.
func handshake(t *testing.T, server, client *tls.Config) error {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", server)
	require.NoError(t, err)
	defer ln.Close()

	result := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			result <- err
			return
		}
		defer conn.Close()
		result <- conn.(*tls.Conn).Handshake()
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), client)
	if err == nil {
		_ = conn.Handshake()
		defer conn.Close()
	}

	select {
	case err := <-result:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("handshake timed out")
		return nil
	}
}

func TestMutualTLS(t *testing.T) {
	serverCert, serverKey := writeCert(t, "localhost")
	clientCert, clientKey := writeCert(t, "svc")

	tests := []struct {
		name       string
		server     ServerConfig
		clientCert bool
		wantErr    bool
	}{
		{"required and presented", ServerConfig{ClientCAFiles: []string{clientCert}, RequireClientCert: true}, true, false},
		{"required and missing", ServerConfig{ClientCAFiles: []string{clientCert}, RequireClientCert: true}, false, true},
		{"optional and missing", ServerConfig{ClientCAFiles: []string{clientCert}}, false, false},
		{"CN allowed", ServerConfig{ClientCAFiles: []string{clientCert}, RequireClientCert: true,
			AllowedClientCNs: []string{"svc"}}, true, false},
		{"CN rejected", ServerConfig{ClientCAFiles: []string{clientCert}, RequireClientCert: true,
			AllowedClientCNs: []string{"admin"}}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.server.Enabled = true
			tt.server.CertFile, tt.server.KeyFile = serverCert, serverKey
			server, err := LoadServerConfig(tt.server)
			require.NoError(t, err)

			cc := ClientConfig{CAFiles: []string{serverCert}, ServerName: "localhost"}
			if tt.clientCert {
				cc.CertFile, cc.KeyFile = clientCert, clientKey
			}
			client, err := LoadClientConfig(cc)
			require.NoError(t, err)

			err = handshake(t, server, client)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTCPConnectorOverTLS(t *testing.T) {
	certFile, keyFile := writeCert(t, "localhost")
	server, err := LoadServerConfig(ServerConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, MinVersion: "1.3"})
	require.NoError(t, err)
	client, err := LoadClientConfig(ClientConfig{CAFiles: []string{certFile}, ServerName: "localhost"})
	require.NoError(t, err)

	opts := connector.Options{StopTimeout: 500 * time.Millisecond}
	address := testutil.FreeTCPAddr(t)

	in, err := channel.NewMessagingSystem(tcp.NewFactory(tcp.Config{TLS: server}, opts)).CreateDuplexInputChannel(address)
	require.NoError(t, err)
	in.MessageReceived().Subscribe(func(e channel.MessageEvent) {
		_ = in.SendResponseMessage(e.ResponseReceiverID, "ack:"+e.Payload.(string))
	})
	require.NoError(t, in.StartListening())
	t.Cleanup(in.StopListening)

	out, err := channel.NewMessagingSystem(tcp.NewFactory(tcp.Config{TLS: client}, opts)).CreateDuplexOutputChannel(address)
	require.NoError(t, err)
	responses := make(chan any, 1)
	out.ResponseMessageReceived().Subscribe(func(e channel.MessageEvent) { responses <- e.Payload })
	require.NoError(t, out.OpenConnection(context.Background()))
	t.Cleanup(out.CloseConnection)

	require.NoError(t, out.SendMessage("hello"))
	select {
	case got := <-responses:
		assert.Equal(t, "ack:hello", got)
	case <-time.After(3 * time.Second):
		t.Fatal("no response over TLS")
	}
}
