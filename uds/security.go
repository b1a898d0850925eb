package uds

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/chmike/cmac-go"
)

// KeyAlgorithm derives the expected key for a security access level from the
// seed the server handed out.
type KeyAlgorithm interface {
	ComputeKey(level byte, seed []byte) ([]byte, error)
}

// KeyAlgorithmFunc adapts a plain function to the KeyAlgorithm interface.
type KeyAlgorithmFunc func(level byte, seed []byte) ([]byte, error)

func (f KeyAlgorithmFunc) ComputeKey(level byte, seed []byte) ([]byte, error) {
	return f(level, seed)
}

// CmacKeyAlgorithm derives keys as AES-CMAC over `level || seed` with a
// shared secret.
type CmacKeyAlgorithm struct {
	secret []byte
}

func NewCmacKeyAlgorithm(secret []byte) (*CmacKeyAlgorithm, error) {
	switch len(secret) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("secret must be a valid AES key length, got %d bytes", len(secret))
	}
	return &CmacKeyAlgorithm{secret: append([]byte{}, secret...)}, nil
}

func (a *CmacKeyAlgorithm) ComputeKey(level byte, seed []byte) ([]byte, error) {
	mac, err := cmac.New(aes.NewCipher, a.secret)
	if err != nil {
		return nil, fmt.Errorf("cmac init: %w", err)
	}
	mac.Write([]byte{level})
	mac.Write(seed)
	return mac.Sum(nil), nil
}

// securityConfig bounds failed key attempts. After MaxAttempts invalid keys
// the level is locked out for LockoutDelay.
type securityConfig struct {
	seedLength   int
	maxAttempts  int
	lockoutDelay time.Duration
}

func defaultSecurityConfig() securityConfig {
	return securityConfig{
		seedLength:   4,
		maxAttempts:  3,
		lockoutDelay: 10 * time.Second,
	}
}

// securityState tracks the seed/key handshake for one server.
type securityState struct {
	cfg           securityConfig
	algorithm     KeyAlgorithm
	unlockedLevel byte   // 0 when locked
	pendingLevel  byte   // seed level awaiting its key, 0 if none
	pendingSeed   []byte
	failures      int
	lockoutUntil  time.Time
}

// requestSeed handles an odd sub-function. An all-zero seed signals that the
// level is already unlocked.
func (s *securityState) requestSeed(level byte, now time.Time) ([]byte, byte) {
	if now.Before(s.lockoutUntil) {
		return nil, NRCRequiredTimeDelayNotExpired
	}
	if s.unlockedLevel == level {
		return make([]byte, s.cfg.seedLength), 0
	}
	seed := make([]byte, s.cfg.seedLength)
	if _, err := rand.Read(seed); err != nil {
		return nil, NRCConditionsNotCorrect
	}
	s.pendingLevel = level
	s.pendingSeed = seed
	return seed, 0
}

// submitKey handles the even sub-function paired with the previous seed.
func (s *securityState) submitKey(level byte, key []byte, now time.Time) byte {
	if now.Before(s.lockoutUntil) {
		return NRCRequiredTimeDelayNotExpired
	}
	if s.pendingLevel == 0 || s.pendingLevel != level {
		return NRCRequestSequenceError
	}
	expected, err := s.algorithm.ComputeKey(level, s.pendingSeed)
	if err != nil {
		return NRCConditionsNotCorrect
	}
	if subtle.ConstantTimeCompare(expected, key) != 1 {
		s.failures++
		s.pendingLevel = 0
		s.pendingSeed = nil
		if s.failures >= s.cfg.maxAttempts {
			s.failures = 0
			s.lockoutUntil = now.Add(s.cfg.lockoutDelay)
			return NRCExceedNumberOfAttempts
		}
		return NRCInvalidKey
	}
	s.unlockedLevel = level
	s.pendingLevel = 0
	s.pendingSeed = nil
	s.failures = 0
	return 0
}

// relock drops any granted access, used on session transitions.
func (s *securityState) relock() {
	s.unlockedLevel = 0
	s.pendingLevel = 0
	s.pendingSeed = nil
}
