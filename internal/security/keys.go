package security

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrInvalidKey is returned for unreadable PEM, unknown block types and keys the
	// token provider cannot sign or verify with.
	ErrInvalidKey = errors.New("invalid key")
	// ErrEncryptedKey is returned for passphrase-protected PEM blocks.
	ErrEncryptedKey = errors.New("encrypted keys are not supported; decrypt before configuring JWT_PRIVATE_KEY")
)

// LoadPEM returns the PEM text of s. s is either inline PEM, where literal "\n"
// sequences from env files are expanded, or a path to a PEM file.
func LoadPEM(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return nil, ErrInvalidKey
	case strings.HasPrefix(s, "-----BEGIN"):
		return []byte(strings.ReplaceAll(s, `\n`, "\n")), nil
	default:
		return os.ReadFile(s)
	}
}

func decodeBlock(s string) (*pem.Block, error) {
	raw, err := LoadPEM(s)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, ErrInvalidKey
	}
	if block.Type == "ENCRYPTED PRIVATE KEY" || block.Headers["Proc-Type"] != "" {
		return nil, ErrEncryptedKey
	}
	return block, nil
}

// ParsePrivateKey returns the signing key in s: PKCS#1, SEC 1 or PKCS#8 PEM, inline or
// a path. Only RSA and ECDSA keys on P-256, P-384 or P-521 are accepted.
func ParsePrivateKey(s string) (crypto.Signer, error) {
	block, err := decodeBlock(s)
	if err != nil {
		return nil, err
	}
	var key any
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidKey, block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok || KeyAlg(signer.Public()) == "" {
		return nil, fmt.Errorf("%w: unsupported private key type %T", ErrInvalidKey, key)
	}
	return signer, nil
}

// ParsePublicKey returns the verification key in s: a PKIX or PKCS#1 public key, or the
// key of an X.509 certificate.
func ParsePublicKey(s string) (crypto.PublicKey, error) {
	block, err := decodeBlock(s)
	if err != nil {
		return nil, err
	}
	var pub any
	switch block.Type {
	case "PUBLIC KEY":
		pub, err = x509.ParsePKIXPublicKey(block.Bytes)
	case "RSA PUBLIC KEY":
		pub, err = x509.ParsePKCS1PublicKey(block.Bytes)
	case "CERTIFICATE":
		var cert *x509.Certificate
		if cert, err = x509.ParseCertificate(block.Bytes); err == nil {
			pub = cert.PublicKey
		}
	default:
		return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidKey, block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if KeyAlg(pub) == "" {
		return nil, fmt.Errorf("%w: unsupported public key type %T", ErrInvalidKey, pub)
	}
	return pub, nil
}

// KeyAlg returns the JWT alg for pub ("RS256", "ES256", ...); empty when unsupported.
func KeyAlg(pub crypto.PublicKey) string {
	m, err := signingMethodFor(pub)
	if err != nil {
		return ""
	}
	return m.Alg()
}
