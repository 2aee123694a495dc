package opcua

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

const (
	certKeyBits    = 2048
	certValidYears = 5

	dirOwn      = "own"
	dirTrusted  = "trusted"
	dirIssuers  = "issuers"
	dirRejected = "rejected"
)

// pkiPaths is the on-disk layout rooted at RuntimeSettings.PKIRoot.
type pkiPaths struct {
	root     string
	certFile string
	keyFile  string
}

// ensurePKI creates the own/trusted/issuers/rejected directory layout under
// root and, if no client certificate yet exists in own/, generates a
// self-signed one identifying this application.
func ensurePKI(root, applicationURI string) (*pkiPaths, error) {
	for _, sub := range []string{dirOwn, dirTrusted, dirIssuers, dirRejected} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			return nil, fmt.Errorf("opcua: creating pki directory %q: %w", sub, err)
		}
	}

	paths := &pkiPaths{
		root:     root,
		certFile: filepath.Join(root, dirOwn, "client-cert.pem"),
		keyFile:  filepath.Join(root, dirOwn, "client-key.pem"),
	}

	if _, err := os.Stat(paths.certFile); os.IsNotExist(err) {
		if err := generateSelfSignedCert(paths, applicationURI); err != nil {
			return nil, err
		}
	}

	return paths, nil
}

// generateSelfSignedCert writes a fresh RSA key and self-signed certificate
// carrying applicationURI in its SAN, as OPC-UA servers expect for client
// certificate identity matching.
func generateSelfSignedCert(paths *pkiPaths, applicationURI string) error {
	key, err := rsa.GenerateKey(rand.Reader, certKeyBits)
	if err != nil {
		return fmt.Errorf("opcua: generating client key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("opcua: generating certificate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "plant-datalogger"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(certValidYears, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		URIs:         parseURI(applicationURI),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("opcua: creating self-signed certificate: %w", err)
	}

	if err := writePEM(paths.certFile, "CERTIFICATE", der, 0644); err != nil {
		return err
	}
	keyDER := x509.MarshalPKCS1PrivateKey(key)
	if err := writePEM(paths.keyFile, "RSA PRIVATE KEY", keyDER, 0600); err != nil {
		return err
	}
	return nil
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("opcua: opening %q: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
}

func parseURI(raw string) []*url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	return []*url.URL{u}
}
