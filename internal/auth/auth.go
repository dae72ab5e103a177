// Package auth covers the admin surface's credentials: password hashing,
// signed session tokens, and the at-rest encryption of peer private keys.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/nacl/secretbox"
)

// SessionTTL is how long an issued session token stays valid.
const SessionTTL = 24 * time.Hour

var (
	ErrBadCredentials = errors.New("invalid credentials")
	ErrTokenExpired   = errors.New("session token expired")
	ErrTokenInvalid   = errors.New("session token invalid")
)

// HashPassword returns a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// VerifyPassword checks a password against its stored hash.
func VerifyPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrBadCredentials
	}
	return nil
}

// Tokens issues and verifies HMAC-signed session tokens. A token is
// "user.expiry.signature", each part base64url; nothing is stored
// server-side, so tokens survive restarts as long as the secret does.
type Tokens struct {
	secret []byte
}

// NewTokens derives the signing key from the configured session secret.
func NewTokens(secret string) *Tokens {
	key := sha256.Sum256([]byte("session-sign:" + secret))
	return &Tokens{secret: key[:]}
}

// Issue mints a token for username expiring SessionTTL from now.
func (t *Tokens) Issue(username string, now time.Time) string {
	user := base64.RawURLEncoding.EncodeToString([]byte(username))
	exp := strconv.FormatInt(now.Add(SessionTTL).Unix(), 10)
	return user + "." + exp + "." + t.sign(user, exp)
}

// Verify checks the signature and expiry, returning the username.
func (t *Tokens) Verify(token string, now time.Time) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", ErrTokenInvalid
	}
	user, exp, sig := parts[0], parts[1], parts[2]
	if subtle.ConstantTimeCompare([]byte(t.sign(user, exp)), []byte(sig)) != 1 {
		return "", ErrTokenInvalid
	}
	expUnix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return "", ErrTokenInvalid
	}
	if now.Unix() >= expUnix {
		return "", ErrTokenExpired
	}
	name, err := base64.RawURLEncoding.DecodeString(user)
	if err != nil {
		return "", ErrTokenInvalid
	}
	return string(name), nil
}

func (t *Tokens) sign(user, exp string) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(user + "." + exp))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// KeyVault seals peer private keys before they hit the registry, so a
// copied database file alone does not leak tunnel credentials.
type KeyVault struct {
	key [32]byte
}

// NewKeyVault derives the sealing key from the configured session secret.
// A distinct derivation label keeps it independent of the token key.
func NewKeyVault(secret string) *KeyVault {
	return &KeyVault{key: sha256.Sum256([]byte("key-vault:" + secret))}
}

// Seal encrypts a private key for storage.
func (v *KeyVault) Seal(privateKey string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(privateKey), &nonce, &v.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a stored private key.
func (v *KeyVault) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < 24 {
		return "", errors.New("sealed key malformed")
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &v.key)
	if !ok {
		return "", errors.New("sealed key does not decrypt; session secret changed?")
	}
	return string(plain), nil
}
