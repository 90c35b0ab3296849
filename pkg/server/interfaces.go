package server

import "context"

// Authenticator checks login credentials. A wrong name or password is
// (false, nil); an error means the check itself could not be made.
// Implemented by database.DB and database.StaticCredentials.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (bool, error)
}
