package scm

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
)

// BasicAuth authenticates to an http(s) remote. Token credentials use the token as password.
type BasicAuth struct {
	Username string
	Password string
}

// BranchResolver finds the commit at the head of a remote branch without cloning.
type BranchResolver struct{}

// ResolveBranch returns the commit SHA the branch points to on the remote.
// An empty branch resolves the remote's HEAD.
func (BranchResolver) ResolveBranch(ctx context.Context, repoURL, branch string, auth *BasicAuth) (string, error) {
	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{repoURL},
	})

	var method transport.AuthMethod
	if auth != nil && (auth.Username != "" || auth.Password != "") {
		username := auth.Username
		if username == "" {
			username = "x-access-token"
		}
		method = &githttp.BasicAuth{Username: username, Password: auth.Password}
	}

	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: method})
	if err != nil {
		return "", fmt.Errorf("failed to list remote references: %w", err)
	}

	byName := make(map[plumbing.ReferenceName]*plumbing.Reference, len(refs))
	for _, ref := range refs {
		byName[ref.Name()] = ref
	}

	name := plumbing.HEAD
	if branch != "" {
		name = plumbing.NewBranchReferenceName(branch)
	}
	ref, ok := byName[name]
	for depth := 0; ok && ref.Type() == plumbing.SymbolicReference; depth++ {
		if depth == 5 {
			return "", fmt.Errorf("too many symbolic references resolving %s", name)
		}
		ref, ok = byName[ref.Target()]
	}
	if !ok {
		if branch == "" {
			return "", fmt.Errorf("remote has no HEAD")
		}
		return "", fmt.Errorf("branch %q not found on remote", branch)
	}
	return ref.Hash().String(), nil
}
