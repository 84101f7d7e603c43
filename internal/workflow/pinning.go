package workflow

import (
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// subjectPublicKeyInfo mirrors the X.509 SubjectPublicKeyInfo structure.
type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// PublicKeyString returns the upper-case hex encoding of the certificate's
// subjectPublicKey bit string, the form the pinned key is configured in.
func PublicKeyString(cert *x509.Certificate) (string, error) {
	var spki subjectPublicKeyInfo
	rest, err := asn1.Unmarshal(cert.RawSubjectPublicKeyInfo, &spki)
	if err != nil {
		return "", fmt.Errorf("failed to parse subject public key info: %w", err)
	}
	if len(rest) > 0 {
		return "", errors.New("trailing data after subject public key info")
	}
	return strings.ToUpper(hex.EncodeToString(spki.PublicKey.Bytes)), nil
}

// verifyPinnedKey returns a tls.Config.VerifyPeerCertificate callback that
// accepts the connection only when the leaf certificate carries pinned.
func verifyPinnedKey(pinned string) func([][]byte, [][]*x509.Certificate) error {
	pinned = strings.TrimSpace(pinned)

	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("%w: no certificate presented", ErrPublicKeyMismatch)
		}

		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("failed to parse server certificate: %w", err)
		}

		key, err := PublicKeyString(leaf)
		if err != nil {
			return err
		}
		if !strings.EqualFold(key, pinned) {
			return fmt.Errorf("%w: %s", ErrPublicKeyMismatch, leaf.Subject.CommonName)
		}
		return nil
	}
}

// pinnedTLSConfig replaces chain verification with the public key check.
func pinnedTLSConfig(pinned string) *tls.Config {
	return &tls.Config{
		MinVersion:            tls.VersionTLS12,
		InsecureSkipVerify:    true, //nolint:gosec // checked by VerifyPeerCertificate
		VerifyPeerCertificate: verifyPinnedKey(pinned),
	}
}
