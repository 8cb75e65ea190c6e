package config

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/teranos/weft/errors"
)

// Load builds a tls.Config from the configured PEM files. The
// certificate and key are required; when TrustFile is set the returned
// config also verifies peers against that pool, which is what turns a
// TLS listener into an mTLS one.
func (t TLSConfig) Load() (*tls.Config, error) {
	if !t.Enabled() {
		return nil, errors.New("tls material not configured")
	}

	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load key pair (%s, %s)", t.CertFile, t.KeyFile)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if t.TrustFile != "" {
		pem, err := os.ReadFile(t.TrustFile)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read trust bundle %s", t.TrustFile)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Newf("trust bundle %s contains no certificates", t.TrustFile)
		}
		cfg.RootCAs = pool
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}
