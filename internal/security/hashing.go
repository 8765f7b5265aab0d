package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrPasswordMismatch is returned by Compare when the password does not match the hash.
	ErrPasswordMismatch = errors.New("password does not match")
	// ErrInvalidHashFormat is returned by Compare when the stored hash cannot be parsed.
	ErrInvalidHashFormat = errors.New("invalid password hash format")
)

// Algorithm names a password hashing scheme.
type Algorithm string

const (
	AlgorithmArgon2id Algorithm = "argon2id"
	AlgorithmBcrypt   Algorithm = "bcrypt"
)

const argon2idPrefix = "$argon2id$"

// Argon2Params are the argon2id cost parameters.
type Argon2Params struct {
	// Memory in KiB.
	Memory  uint32
	Time    uint32
	Threads uint8
	SaltLen uint32
	KeyLen  uint32
}

// DefaultArgon2Params uses 64 MiB, 3 passes and 2 lanes.
var DefaultArgon2Params = Argon2Params{Memory: 64 * 1024, Time: 3, Threads: 2, SaltLen: 16, KeyLen: 32}

// Hasher hashes and verifies passwords. New hashes use Algorithm; Compare accepts
// both argon2id (PHC string) and bcrypt hashes so stored credentials survive an
// algorithm change. Callers must not log or persist plaintext passwords.
type Hasher struct {
	Algorithm Algorithm
	// Cost is the bcrypt cost factor.
	Cost   int
	Argon2 Argon2Params
}

// NewHasher returns a bcrypt Hasher with the given cost (4–31). Cost 12 is a
// reasonable default for interactive login.
func NewHasher(cost int) *Hasher {
	return &Hasher{Algorithm: AlgorithmBcrypt, Cost: clampBcryptCost(cost), Argon2: DefaultArgon2Params}
}

// NewArgon2Hasher returns an argon2id Hasher. Zero fields in p fall back to DefaultArgon2Params.
func NewArgon2Hasher(p Argon2Params) *Hasher {
	if p.Memory == 0 {
		p.Memory = DefaultArgon2Params.Memory
	}
	if p.Time == 0 {
		p.Time = DefaultArgon2Params.Time
	}
	if p.Threads == 0 {
		p.Threads = DefaultArgon2Params.Threads
	}
	if p.SaltLen == 0 {
		p.SaltLen = DefaultArgon2Params.SaltLen
	}
	if p.KeyLen == 0 {
		p.KeyLen = DefaultArgon2Params.KeyLen
	}
	return &Hasher{Algorithm: AlgorithmArgon2id, Cost: bcrypt.DefaultCost, Argon2: p}
}

// NewHasherFor returns the Hasher for a configured algorithm name. Anything other than
// bcrypt selects argon2id.
func NewHasherFor(algorithm string, bcryptCost int, p Argon2Params) *Hasher {
	if Algorithm(algorithm) == AlgorithmBcrypt {
		return NewHasher(bcryptCost)
	}
	return NewArgon2Hasher(p)
}

func clampBcryptCost(cost int) int {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return cost
}

// Hash produces a salted hash of password with the configured algorithm. The salt is
// random per call and embedded in the returned string.
func (h *Hasher) Hash(password []byte) (string, error) {
	if h.Algorithm == AlgorithmBcrypt {
		b, err := bcrypt.GenerateFromPassword(password, h.Cost)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	p := h.Argon2
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey(password, salt, p.Time, p.Memory, p.Threads, p.KeyLen)
	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2idPrefix, argon2.Version, p.Memory, p.Time, p.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Compare verifies password against hash in constant time. Returns nil on match,
// ErrPasswordMismatch on mismatch and ErrInvalidHashFormat when hash is malformed.
func (h *Hasher) Compare(hash string, password []byte) error {
	switch {
	case strings.HasPrefix(hash, argon2idPrefix):
		p, salt, key, err := decodeArgon2id(hash)
		if err != nil {
			return err
		}
		got := argon2.IDKey(password, salt, p.Time, p.Memory, p.Threads, uint32(len(key)))
		if subtle.ConstantTimeCompare(got, key) != 1 {
			return ErrPasswordMismatch
		}
		return nil
	case isBcryptHash(hash):
		err := bcrypt.CompareHashAndPassword([]byte(hash), password)
		if err == nil {
			return nil
		}
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrPasswordMismatch
		}
		return ErrInvalidHashFormat
	default:
		return ErrInvalidHashFormat
	}
}

// NeedsRehash reports whether hash was produced with a different algorithm or weaker
// parameters than h. Unparseable hashes return false; Compare reports those.
func (h *Hasher) NeedsRehash(hash string) bool {
	switch {
	case strings.HasPrefix(hash, argon2idPrefix):
		if h.Algorithm != AlgorithmArgon2id {
			return true
		}
		p, _, key, err := decodeArgon2id(hash)
		if err != nil {
			return false
		}
		return p.Memory < h.Argon2.Memory || p.Time < h.Argon2.Time || p.Threads < h.Argon2.Threads || uint32(len(key)) < h.Argon2.KeyLen
	case isBcryptHash(hash):
		if h.Algorithm != AlgorithmBcrypt {
			return true
		}
		cost, err := bcrypt.Cost([]byte(hash))
		if err != nil {
			return false
		}
		return cost < h.Cost
	default:
		return false
	}
}

func isBcryptHash(hash string) bool {
	return strings.HasPrefix(hash, "$2a$") || strings.HasPrefix(hash, "$2b$") || strings.HasPrefix(hash, "$2y$")
}

// decodeArgon2id parses $argon2id$v=19$m=65536,t=3,p=2$<salt>$<key>.
func decodeArgon2id(hash string) (Argon2Params, []byte, []byte, error) {
	var p Argon2Params
	parts := strings.Split(hash, "$")
	if len(parts) != 6 {
		return p, nil, nil, ErrInvalidHashFormat
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, ErrInvalidHashFormat
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return p, nil, nil, ErrInvalidHashFormat
	}
	if p.Memory == 0 || p.Time == 0 || p.Threads == 0 {
		return p, nil, nil, ErrInvalidHashFormat
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return p, nil, nil, ErrInvalidHashFormat
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return p, nil, nil, ErrInvalidHashFormat
	}
	p.SaltLen = uint32(len(salt))
	p.KeyLen = uint32(len(key))
	return p, salt, key, nil
}
