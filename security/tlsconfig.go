package security

import (
	"crypto/tls"
)

// ServerTLSConfig builds the server side TLS context. With requireClientCert the handshake fails for any client that
// does not present a certificate signed by the root.
func ServerTLSConfig(ca *CA, leaf tls.Certificate, requireClientCert bool) *tls.Config {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{leaf},
		MinVersion:   tls.VersionTLS12,
		ClientCAs:    ca.Pool(),
		ClientAuth:   tls.VerifyClientCertIfGiven,
	}
	if requireClientCert {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg
}

// ClientTLSConfig builds the client side TLS context that validates the server against the root. A client
// certificate is presented when one is given.
func ClientTLSConfig(ca *CA, clientCert *tls.Certificate, serverName string) *tls.Config {
	cfg := &tls.Config{
		RootCAs:    ca.Pool(),
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}
	if clientCert != nil {
		cfg.Certificates = []tls.Certificate{*clientCert}
	}
	return cfg
}
