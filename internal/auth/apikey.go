package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmehdipour/partner-gateway/internal/model"
)

var (
	ErrMissingKey   = errors.New("auth: missing api key")
	ErrMalformedKey = errors.New("auth: malformed api key")
)

const (
	keySecretLen = 32
	// DisplayPrefixLen is how much of the raw key is kept for display ("pk_live_AbCd").
	DisplayPrefixLen = 12
)

var keyFormat = regexp.MustCompile(`^pk_(live|test)_[A-Za-z0-9]{32}$`)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// ExtractCredential pulls the key out of an Authorization header value.
// "Bearer <key>" and "ApiKey <key>" are accepted, scheme case-insensitive.
func ExtractCredential(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingKey
	}
	scheme, key, ok := strings.Cut(header, " ")
	if !ok {
		return "", ErrMalformedKey
	}
	if !strings.EqualFold(scheme, "Bearer") && !strings.EqualFold(scheme, "ApiKey") {
		return "", ErrMalformedKey
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrMissingKey
	}
	return key, nil
}

// ValidFormat reports whether key has the pk_{live|test}_{32 alnum} shape.
func ValidFormat(key string) bool {
	return len(key) == len("pk_live_")+keySecretLen && keyFormat.MatchString(key)
}

// HashKey returns the hex SHA-256 of the raw key; this is what the store indexes.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// DisplayPrefix is the non-secret head of a key shown in listings.
func DisplayPrefix(key string) string {
	if len(key) <= DisplayPrefixLen {
		return key
	}
	return key[:DisplayPrefixLen]
}

// GenerateKey mints a new raw key for env. The caller persists only HashKey(raw).
func GenerateKey(env model.KeyEnv) (string, error) {
	if env != model.KeyEnvLive && env != model.KeyEnvTest {
		return "", fmt.Errorf("auth: unknown key env %q", env)
	}
	buf := make([]byte, keySecretLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: read random: %w", err)
	}
	secret := make([]byte, keySecretLen)
	for i, b := range buf {
		secret[i] = alphabet[int(b)%len(alphabet)]
	}
	return "pk_" + string(env) + "_" + string(secret), nil
}
