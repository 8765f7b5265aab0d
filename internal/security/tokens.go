package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinHMACSecretLength is the shortest HS256 secret NewHMACTokenProvider accepts.
const MinHMACSecretLength = 32

// TokenTypeAccess is the token_type claim of access tokens.
const TokenTypeAccess = "access"

var (
	// ErrInvalidToken is returned when a token is malformed, tampered with or otherwise invalid.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned when a token is well-formed and correctly signed but past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrWeakSecret is returned when the HS256 secret is shorter than MinHMACSecretLength.
	ErrWeakSecret = fmt.Errorf("signing secret must be at least %d bytes", MinHMACSecretLength)
)

// AccessClaims holds JWT claims for the access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Role      string `json:"role"`
	TokenType string `json:"token_type"`
}

// UserID returns the subject claim.
func (c *AccessClaims) UserID() string { return c.Subject }

// TokenProvider issues and validates access JWTs. It signs with HS256 (shared secret) or
// RS256/ES256 (private/public key). A provider is immutable after construction and safe
// for concurrent use.
type TokenProvider struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	issuer    string
	audience  string
	accessTTL time.Duration
	now       func() time.Time
}

// NewHMACTokenProvider returns a TokenProvider that signs with HS256 using secret.
func NewHMACTokenProvider(secret []byte, issuer, audience string, accessTTL time.Duration) (*TokenProvider, error) {
	if len(secret) < MinHMACSecretLength {
		return nil, ErrWeakSecret
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &TokenProvider{
		method:    jwt.SigningMethodHS256,
		signKey:   key,
		verifyKey: key,
		issuer:    issuer,
		audience:  audience,
		accessTTL: accessTTL,
		now:       time.Now,
	}, nil
}

// NewTokenProvider returns a TokenProvider that signs with the given private key
// (RSA → RS256, ECDSA → ES256/384/512 by curve) and verifies with publicKey.
func NewTokenProvider(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer, audience string, accessTTL time.Duration) (*TokenProvider, error) {
	if privateKey == nil || publicKey == nil {
		return nil, ErrInvalidKey
	}
	method, err := signingMethodFor(privateKey.Public())
	if err != nil {
		return nil, err
	}
	if other, err := signingMethodFor(publicKey); err != nil || other.Alg() != method.Alg() {
		return nil, ErrInvalidKey
	}
	return &TokenProvider{
		method:    method,
		signKey:   privateKey,
		verifyKey: publicKey,
		issuer:    issuer,
		audience:  audience,
		accessTTL: accessTTL,
		now:       time.Now,
	}, nil
}

// LoadTokenProvider builds a provider from configuration values. PEM keys (inline or
// path) take precedence over secret when both are set.
func LoadTokenProvider(secret, privateKeyPEM, publicKeyPEM, issuer, audience string, accessTTL time.Duration) (*TokenProvider, error) {
	if privateKeyPEM != "" || publicKeyPEM != "" {
		signer, err := ParsePrivateKey(privateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("private key: %w", err)
		}
		pub, err := ParsePublicKey(publicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("public key: %w", err)
		}
		return NewTokenProvider(signer, pub, issuer, audience, accessTTL)
	}
	return NewHMACTokenProvider([]byte(secret), issuer, audience, accessTTL)
}

func signingMethodFor(pub crypto.PublicKey) (jwt.SigningMethod, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return jwt.SigningMethodRS256, nil
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return jwt.SigningMethodES256, nil
		case elliptic.P384():
			return jwt.SigningMethodES384, nil
		case elliptic.P521():
			return jwt.SigningMethodES512, nil
		}
	}
	return nil, ErrInvalidKey
}

// WithClock returns a copy of p that reads the current time from now. Intended for tests.
func (p *TokenProvider) WithClock(now func() time.Time) *TokenProvider {
	cp := *p
	cp.now = now
	return &cp
}

// Algorithm returns the JWT alg used to sign tokens.
func (p *TokenProvider) Algorithm() string { return p.method.Alg() }

// AccessTTL returns the configured access token lifetime.
func (p *TokenProvider) AccessTTL() time.Duration { return p.accessTTL }

// IssueAccess issues a short-lived access JWT for the given user and role.
// Returns the token string and its expiration time.
func (p *TokenProvider) IssueAccess(userID, role string) (token string, expiresAt time.Time, err error) {
	jti, err := generateJTI()
	if err != nil {
		return "", time.Time{}, err
	}
	now := p.now().UTC().Truncate(time.Second)
	expiresAt = now.Add(p.accessTTL)
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Role:      role,
		TokenType: TokenTypeAccess,
	}
	token, err = jwt.NewWithClaims(p.method, claims).SignedString(p.signKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// ValidateAccess parses and validates the access token (alg, signature, exp, iat, iss, aud,
// token_type). It returns ErrTokenExpired when expiry is the only problem and
// ErrInvalidToken for everything else, so callers can refresh on expiry but not on tampering.
func (p *TokenProvider) ValidateAccess(tokenString string) (*AccessClaims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (interface{}, error) { return p.verifyKey, nil },
		jwt.WithValidMethods([]string{p.method.Alg()}),
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(p.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		if expiredOnly(err) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid || claims.TokenType != TokenTypeAccess || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// expiredOnly reports whether err is a claims error caused by exp alone. Signature
// failures never reach claims validation, so a tampered expired token is invalid.
func expiredOnly(err error) bool {
	if !errors.Is(err, jwt.ErrTokenExpired) {
		return false
	}
	for _, other := range []error{
		jwt.ErrTokenSignatureInvalid,
		jwt.ErrTokenInvalidIssuer,
		jwt.ErrTokenInvalidAudience,
		jwt.ErrTokenUsedBeforeIssued,
		jwt.ErrTokenNotValidYet,
		jwt.ErrTokenMalformed,
	} {
		if errors.Is(err, other) {
			return false
		}
	}
	return true
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
