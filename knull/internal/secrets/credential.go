package secrets

import (
	"context"
	"fmt"
)

// ErrCredentialNotFound is returned when a credential id does not resolve.
var ErrCredentialNotFound = fmt.Errorf("credential not found")

// Credential authenticates access to a source repository. Secrets are stored encrypted;
// a credential carries either a token or a username and password.
type Credential struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	Username          string `json:"username,omitempty"`
	EncryptedPassword string `json:"-"`
	EncryptedToken    string `json:"-"`
}

// HasToken reports whether the credential carries a token.
func (c *Credential) HasToken() bool {
	return c.EncryptedToken != ""
}

// HasUsernamePassword reports whether the credential carries a username and password.
func (c *Credential) HasUsernamePassword() bool {
	return c.Username != "" && c.EncryptedPassword != ""
}

// Resolver looks up credentials by id.
type Resolver interface {
	FindCredential(ctx context.Context, id int64) (*Credential, error)
}

// Decrypter is the capability needed to read credential secrets.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}
