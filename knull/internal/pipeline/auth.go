package pipeline

import (
	"fmt"
	"net/url"
	"strings"

	"knull.dev/knull/internal/secrets"
)

const redacted = "****"

// AuthenticatedURL embeds the decrypted credential into an http(s) repository URL.
// Scheme-less URLs are treated as https. The returned secrets must be redacted from
// anything derived from commands that used the URL.
func AuthenticatedURL(repoURL string, cred *secrets.Credential, dec secrets.Decrypter) (string, []string, error) {
	if cred == nil {
		return "", nil, fmt.Errorf("%w: no credentials configured for repository", ErrConfiguration)
	}

	raw := strings.TrimSpace(repoURL)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", nil, fmt.Errorf("%w: invalid repository URL", ErrConfiguration)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", nil, fmt.Errorf("%w: unsupported repository URL scheme %q", ErrConfiguration, u.Scheme)
	}

	switch {
	case cred.HasToken():
		token, err := dec.Decrypt(cred.EncryptedToken)
		if err != nil {
			return "", nil, fmt.Errorf("%w: failed to decrypt token of credential %d: %w", ErrConfiguration, cred.ID, err)
		}
		u.User = url.User(token)
		return u.String(), []string{token, u.String()}, nil
	case cred.HasUsernamePassword():
		password, err := dec.Decrypt(cred.EncryptedPassword)
		if err != nil {
			return "", nil, fmt.Errorf("%w: failed to decrypt password of credential %d: %w", ErrConfiguration, cred.ID, err)
		}
		u.User = url.UserPassword(cred.Username, password)
		return u.String(), []string{password, u.String()}, nil
	}
	return "", nil, fmt.Errorf("%w: credential %d has neither a token nor a username and password", ErrConfiguration, cred.ID)
}

// Redactor masks secret values in text.
type Redactor struct {
	replacer *strings.Replacer
}

// NewRedactor masks each non-empty secret along with its URL-escaped forms.
func NewRedactor(values ...string) *Redactor {
	seen := make(map[string]struct{})
	var pairs []string
	add := func(v string) {
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		pairs = append(pairs, v, redacted)
	}
	for _, v := range values {
		add(v)
		add(url.QueryEscape(v))
		add(url.PathEscape(v))
		add(url.UserPassword("", v).String()[1:])
	}
	if len(pairs) == 0 {
		return &Redactor{}
	}
	return &Redactor{replacer: strings.NewReplacer(pairs...)}
}

// Redact returns s with every secret masked.
func (r *Redactor) Redact(s string) string {
	if r == nil || r.replacer == nil {
		return s
	}
	return r.replacer.Replace(s)
}
