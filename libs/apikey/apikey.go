// Package apikey authenticates machine callers such as the chain indexer.
// Keys look like whk_<env>_<prefix>.<secret>; only the hash of prefix and
// secret is ever stored.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	keyScheme = "whk"
	// Header carries the key on inbound requests.
	Header = "X-API-Key"
	// ContextClientKey holds the authenticated Credential's name.
	ContextClientKey = "api_client"
)

var (
	ErrInvalidKey       = errors.New("invalid api key")
	ErrRevokedKey       = errors.New("revoked api key")
	ErrIPNotAllowed     = errors.New("ip not allowed")
	ErrInvalidAllowlist = errors.New("invalid ip allowlist")
)

// Credential is one caller allowed to use the key with KeyHash.
type Credential struct {
	Name        string
	KeyHash     string
	IPAllowlist []string
	RevokedAt   *time.Time
}

func Generate(env string) (key, prefix, hash string, err error) {
	prefix, err = randomString(6, base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString)
	if err != nil {
		return "", "", "", err
	}
	prefix = strings.ToLower(prefix)
	secret, err := randomString(32, base64.RawURLEncoding.EncodeToString)
	if err != nil {
		return "", "", "", err
	}
	return fmt.Sprintf("%s_%s_%s.%s", keyScheme, env, prefix, secret), prefix, Hash(prefix, secret), nil
}

func Parse(key string) (env, prefix, secret string, err error) {
	head, secret, ok := strings.Cut(strings.TrimSpace(key), ".")
	if !ok || secret == "" {
		return "", "", "", ErrInvalidKey
	}
	parts := strings.SplitN(head, "_", 3)
	if len(parts) != 3 || parts[0] != keyScheme || parts[1] == "" || parts[2] == "" {
		return "", "", "", ErrInvalidKey
	}
	return parts[1], parts[2], secret, nil
}

func Hash(prefix, secret string) string {
	sum := sha256.Sum256([]byte(prefix + "." + secret))
	return hex.EncodeToString(sum[:])
}

// Verify finds the credential key belongs to and checks it may be used
// from clientIP.
func Verify(key string, creds []Credential, clientIP string) (Credential, error) {
	_, prefix, secret, err := Parse(key)
	if err != nil {
		return Credential{}, err
	}
	hash := []byte(Hash(prefix, secret))
	for _, c := range creds {
		if subtle.ConstantTimeCompare(hash, []byte(strings.ToLower(c.KeyHash))) != 1 {
			continue
		}
		if c.RevokedAt != nil {
			return Credential{}, ErrRevokedKey
		}
		if !IPAllowed(clientIP, c.IPAllowlist) {
			return Credential{}, ErrIPNotAllowed
		}
		return c, nil
	}
	return Credential{}, ErrInvalidKey
}

func ValidateAllowlist(allowlist []string) error {
	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return fmt.Errorf("%w: %q", ErrInvalidAllowlist, entry)
			}
			continue
		}
		if net.ParseIP(entry) == nil {
			return fmt.Errorf("%w: %q", ErrInvalidAllowlist, entry)
		}
	}
	return nil
}

// IPAllowed treats an empty allowlist as allowing everyone.
func IPAllowed(clientIP string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, entry := range allowlist {
		if _, netw, err := net.ParseCIDR(entry); err == nil {
			if netw.Contains(ip) {
				return true
			}
			continue
		}
		if allowed := net.ParseIP(entry); allowed != nil && allowed.Equal(ip) {
			return true
		}
	}
	return false
}

// Middleware rejects requests without a valid key for one of creds.
func Middleware(creds []Credential) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(Header)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "missing api key"})
			return
		}
		cred, err := Verify(key, creds, c.ClientIP())
		if errors.Is(err, ErrIPNotAllowed) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": err.Error()})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": err.Error()})
			return
		}
		c.Set(ContextClientKey, cred.Name)
		c.Next()
	}
}

func randomString(n int, encode func([]byte) string) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return encode(buf), nil
}
