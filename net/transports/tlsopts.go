package transports

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/SouthPatron/reasonchip/errors"
)

// ClientTLSOptions describes the TLS material for an outbound connection.
// Hostname verification is on by default; NoVerify disables both chain
// and hostname checks.
type ClientTLSOptions struct {
	Cert       string
	Key        string
	CA         string
	NoVerify   bool
	Ciphers    []uint16
	TLSVersion string
	ServerName string
}

// Build produces a *tls.Config from the options.
func (o *ClientTLSOptions) Build() (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName: o.ServerName,
	}

	if o.NoVerify {
		cfg.InsecureSkipVerify = true
	}

	if o.CA != "" {
		pool, err := loadCertPool(o.CA)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if o.Cert != "" && o.Key != "" {
		cert, err := tls.LoadX509KeyPair(o.Cert, o.Key)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load client certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if len(o.Ciphers) > 0 {
		cfg.CipherSuites = o.Ciphers
	}

	if err := applyTLSVersion(cfg, o.TLSVersion); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ServerTLSOptions describes the TLS material for a listener. Servers may
// require client certificates (mTLS).
type ServerTLSOptions struct {
	Cert              string
	Key               string
	CA                string
	RequireClientCert bool
	Ciphers           []uint16
	TLSVersion        string
}

// Build produces a *tls.Config from the options. Cert and key are
// mandatory for a server.
func (o *ServerTLSOptions) Build() (*tls.Config, error) {
	if o.Cert == "" || o.Key == "" {
		return nil, errors.New("server cert and key must be provided for TLS")
	}

	cert, err := tls.LoadX509KeyPair(o.Cert, o.Key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load server certificate")
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}

	if o.CA != "" {
		pool, err := loadCertPool(o.CA)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
	}

	if o.RequireClientCert {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	if len(o.Ciphers) > 0 {
		cfg.CipherSuites = o.Ciphers
	}

	if err := applyTLSVersion(cfg, o.TLSVersion); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read CA file %s", path)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.Newf("no certificates found in %s", path)
	}
	return pool, nil
}

// applyTLSVersion pins both ends of the negotiated version range.
func applyTLSVersion(cfg *tls.Config, version string) error {
	switch version {
	case "":
		return nil
	case "1.2":
		cfg.MinVersion = tls.VersionTLS12
		cfg.MaxVersion = tls.VersionTLS12
	case "1.3":
		cfg.MinVersion = tls.VersionTLS13
		cfg.MaxVersion = tls.VersionTLS13
	default:
		return errors.Newf("unsupported TLS version: %s", version)
	}
	return nil
}
