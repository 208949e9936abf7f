package rbac

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"rampart.dev/internal/audit"
	"rampart.dev/internal/obs"
)

var errPasswordMismatch = errors.New("password mismatch")

// HashPassword derives an argon2id hash encoded in the PHC string format.
func HashPassword(password string) (string, error) {
	const (
		memory      = 64 * 1024
		iterations  = 2
		parallelism = 1
		keyLength   = 32
		saltLength  = 16
	)
	if password == "" {
		return "", errors.New("password is empty")
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, keyLength)

	return fmt.Sprintf(
		"$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		memory,
		iterations,
		parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword checks password against an argon2id or bcrypt hash.
func VerifyPassword(hash, password string) error {
	switch {
	case hash == "":
		return errors.New("password hash is empty")
	case strings.HasPrefix(hash, "$argon2id$"):
		h, err := parseArgon2(hash)
		if err != nil {
			return err
		}
		got := argon2.IDKey([]byte(password), h.salt, h.iterations, h.memory, h.parallelism, uint32(len(h.key)))
		if subtle.ConstantTimeCompare(got, h.key) != 1 {
			return errPasswordMismatch
		}
		return nil
	case isBcrypt(hash):
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
			return errPasswordMismatch
		}
		return nil
	}
	return errors.New("unsupported password hash")
}

// CheckPasswordHash reports whether hash is a well-formed argon2id or bcrypt
// hash that VerifyPassword can evaluate.
func CheckPasswordHash(hash string) error {
	switch {
	case hash == "":
		return errors.New("password hash is empty")
	case strings.HasPrefix(hash, "$argon2id$"):
		_, err := parseArgon2(hash)
		return err
	case isBcrypt(hash):
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return fmt.Errorf("malformed bcrypt hash: %w", err)
		}
		return nil
	}
	return errors.New("unsupported password hash")
}

func isBcrypt(hash string) bool {
	return strings.HasPrefix(hash, "$2a$") || strings.HasPrefix(hash, "$2b$") || strings.HasPrefix(hash, "$2y$")
}

type argon2Hash struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

// parseArgon2 decodes a PHC argon2id string. Parameters argon2.IDKey would
// panic on are rejected here.
func parseArgon2(encoded string) (argon2Hash, error) {
	var h argon2Hash
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return h, errors.New("malformed argon2id hash")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return h, errors.New("unsupported argon2 version")
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &h.memory, &h.iterations, &h.parallelism); err != nil {
		return h, fmt.Errorf("malformed argon2id parameters: %w", err)
	}
	switch {
	case h.iterations < 1:
		return h, errors.New("argon2id iterations must be at least 1")
	case h.parallelism < 1:
		return h, errors.New("argon2id parallelism must be at least 1")
	case h.memory < 8*uint32(h.parallelism):
		return h, fmt.Errorf("argon2id memory must be at least %d KiB", 8*uint32(h.parallelism))
	}
	var err error
	if h.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return h, fmt.Errorf("decode salt: %w", err)
	}
	if h.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return h, fmt.Errorf("decode hash: %w", err)
	}
	if len(h.salt) == 0 || len(h.key) == 0 {
		return h, errors.New("argon2id salt and key must not be empty")
	}
	return h, nil
}

// Credentials identify a user opening a session. Roles and AdminRoles follow
// the rules of CreateSession.
type Credentials struct {
	UserID     string
	Password   string
	Roles      []string
	AdminRoles []string
}

// Authenticate verifies the credentials and opens a session. Every attempt
// is recorded as a bind event; failures all return the same ErrUnauthorized
// so callers cannot tell unknown users from wrong passwords.
func (e *Engine) Authenticate(ctx context.Context, c Credentials) (Session, error) {
	const op = "Authenticate"
	userID := cleanName(c.UserID)

	reason := e.verify(userID, c.Password)
	if reason != "" {
		obs.ObserveAuthentication(e.tenant, false)
		e.bindEvent(ctx, userID, "", false, reason)
		return Session{}, newError(ErrUnauthorized, op, "", "authentication failed")
	}

	s, err := e.CreateSession(ctx, userID, c.Roles, c.AdminRoles)
	if err != nil {
		obs.ObserveAuthentication(e.tenant, false)
		e.bindEvent(ctx, userID, "", false, err.Error())
		return Session{}, err
	}
	obs.ObserveAuthentication(e.tenant, true)
	e.bindEvent(ctx, userID, s.ID, true, "")
	return s, nil
}

// verify returns an empty string on success or the internal failure reason.
func (e *Engine) verify(userID, password string) string {
	if userID == "" {
		return "missing user id"
	}
	if !e.allowAttempt(userID) {
		return "too many attempts"
	}
	u, ok := e.store.view().users[userID]
	if !ok {
		return "unknown user"
	}
	if u.Locked {
		return "user is locked"
	}
	if err := VerifyPassword(u.PasswordHash, password); err != nil {
		return "invalid credentials: " + err.Error()
	}
	return ""
}

func (e *Engine) allowAttempt(userID string) bool {
	now := e.now()
	e.limMu.Lock()
	defer e.limMu.Unlock()
	l, ok := e.limiters[userID]
	if !ok {
		every := time.Minute / time.Duration(e.authPerMinute)
		l = &limiter{lim: rate.NewLimiter(rate.Every(every), e.authPerMinute)}
		e.limiters[userID] = l
	}
	l.seen = now
	return l.lim.AllowN(now, 1)
}

func (e *Engine) bindEvent(ctx context.Context, userID, sessionID string, ok bool, reason string) {
	e.record(ctx, audit.Event{
		Kind:      audit.KindBind,
		UserID:    userID,
		SessionID: sessionID,
		Operation: "authenticate",
		Success:   ok,
		Reason:    reason,
	})
}
