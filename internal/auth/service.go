package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"

	loggerpkg "MetaHost/pkg/logger"
)

type tokenEntry struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// Service resolves static bearer tokens to subjects.
type Service struct {
	mode   Mode
	tokens []tokenEntry
	audit  *slog.Logger
}

// NewService validates cfg and builds the service.
func NewService(cfg Config) (*Service, error) {
	s := &Service{mode: ModeDisabled, audit: loggerpkg.Audit()}
	seen := make(map[[sha256.Size]byte]struct{}, len(cfg.Tokens))
	for _, tok := range cfg.Tokens {
		secret := strings.TrimSpace(tok.Secret)
		if secret == "" {
			continue
		}
		digest := sha256.Sum256([]byte(secret))
		if _, dup := seen[digest]; dup {
			return nil, errors.New("duplicate API token")
		}
		seen[digest] = struct{}{}
		name := tok.Name
		if name == "" {
			name = "token"
		}
		subject := &Subject{Name: name, Permissions: append([]string(nil), tok.Permissions...)}
		subject.normalise()
		s.tokens = append(s.tokens, tokenEntry{digest: digest, subject: subject})
	}
	if len(s.tokens) > 0 {
		s.mode = ModeToken
	}
	return s, nil
}

// Mode returns the active authentication mode.
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest resolves an Authorization header value.
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	authorization = strings.TrimSpace(authorization)
	if authorization == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(authorization, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))
	var match *Subject
	for _, entry := range s.tokens {
		if subtle.ConstantTimeCompare(entry.digest[:], digest[:]) == 1 {
			match = entry.subject
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	return match, nil
}
