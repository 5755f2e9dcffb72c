// Package scm talks to source control: commit statuses, repository coordinates and remote branch heads.
package scm

import (
	"fmt"
	"net/url"
	"strings"
)

// Repository identifies a hosted repository.
type Repository struct {
	Owner string
	Name  string
}

func (r Repository) String() string {
	return r.Owner + "/" + r.Name
}

// ParseRepository extracts owner and name from an https, http, scheme-less or scp-style ssh remote URL.
// Nested groups keep everything before the final path element as the owner.
func ParseRepository(rawURL string) (Repository, error) {
	raw := strings.TrimSpace(rawURL)
	var path string
	switch {
	case strings.HasPrefix(raw, "git@"):
		_, after, ok := strings.Cut(raw, ":")
		if !ok {
			return Repository{}, fmt.Errorf("invalid ssh remote URL %q", rawURL)
		}
		path = after
	default:
		if !strings.Contains(raw, "://") {
			raw = "https://" + raw
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return Repository{}, fmt.Errorf("invalid remote URL %q", rawURL)
		}
		path = u.Path
	}

	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	idx := strings.LastIndex(path, "/")
	if idx <= 0 || idx == len(path)-1 {
		return Repository{}, fmt.Errorf("remote URL %q has no owner/name path", rawURL)
	}
	return Repository{Owner: path[:idx], Name: path[idx+1:]}, nil
}
