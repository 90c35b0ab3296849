package database

import (
	"context"
	"crypto/subtle"
)

// StaticCredentials authenticates against a fixed name to password map.
// Used when the server runs without a database file.
type StaticCredentials map[string]string

// DefaultUsers are the accounts a fresh server accepts
func DefaultUsers() []Credential {
	return []Credential{
		{Name: "user1", Password: "1234"},
		{Name: "user2", Password: "1234"},
		{Name: "user3", Password: "1234"},
		{Name: "user4", Password: "1234"},
		{Name: "user5", Password: "1234"},
	}
}

// NewStaticCredentials builds a map from seed credentials
func NewStaticCredentials(creds []Credential) StaticCredentials {
	m := make(StaticCredentials, len(creds))
	for _, c := range creds {
		if c.Name != "" {
			m[c.Name] = c.Password
		}
	}
	return m
}

func (s StaticCredentials) Authenticate(ctx context.Context, name, password string) (bool, error) {
	want, ok := s[name]
	if !ok {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(password)) == 1, nil
}
