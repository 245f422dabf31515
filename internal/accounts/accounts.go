// Package accounts answers whether an account is registered against an
// e-mail address or phone number before an OTP is issued to it.
package accounts

import (
	"context"
	"strings"
)

// Static is a fixed allow-list of identifiers, for development and tests.
type Static struct {
	ids map[string]struct{}
}

// NewStatic returns a Static lookup over the given identifiers. E-mail
// addresses are matched case insensitively.
func NewStatic(ids []string) *Static {
	s := &Static{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.ids[normalize(id)] = struct{}{}
	}
	return s
}

// Exists tells whether identifier is in the allow-list.
func (s *Static) Exists(_ context.Context, identifier string) (bool, error) {
	_, ok := s.ids[normalize(identifier)]
	return ok, nil
}

func normalize(id string) string {
	id = strings.TrimSpace(id)
	if strings.Contains(id, "@") {
		return strings.ToLower(id)
	}
	return id
}

func isEmail(id string) bool {
	return strings.Contains(id, "@")
}
