package orchestrator

import (
	"context"
	"fmt"
	"path"

	"knull.dev/knull/internal/build"
	"knull.dev/knull/internal/pipeline"
	"knull.dev/knull/internal/scm"
)

// ManualTrigger requests a build of a job's branch head.
type ManualTrigger struct {
	Job build.Job

	// Branch defaults to the branch of a simple job and is required for multi-branch jobs.
	Branch string

	// CommitSHA skips branch-head resolution when set.
	CommitSHA     string
	CommitMessage string
	TriggeredBy   string
}

// Trigger validates a manual build request, resolves the commit to build and starts the build.
func (c *Coordinator) Trigger(ctx context.Context, req ManualTrigger) (*build.Build, error) {
	cfg := req.Job.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: job %q: %w", pipeline.ErrConfiguration, req.Job.Name, err)
	}

	branch := req.Branch
	if branch == "" {
		branch = cfg.DefaultBranch()
	}
	if branch == "" {
		return nil, fmt.Errorf("%w: a branch is required to trigger multi-branch job %q", pipeline.ErrConfiguration, req.Job.Name)
	}
	if cfg.Kind == build.JobMultiBranch {
		ok, err := path.Match(cfg.BranchPattern, branch)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid branch pattern %q: %w", pipeline.ErrConfiguration, cfg.BranchPattern, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: branch %q does not match pattern %q", pipeline.ErrConfiguration, branch, cfg.BranchPattern)
		}
	}

	repo, err := scm.ParseRepository(cfg.GitRepository)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pipeline.ErrConfiguration, err)
	}

	sha := req.CommitSHA
	if sha == "" {
		auth, err := c.branchAuth(ctx, cfg.CredentialID)
		if err != nil {
			return nil, err
		}
		sha, err = c.branches.ResolveBranch(ctx, cfg.GitRepository, branch, auth)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve head of branch %q: %w", branch, err)
		}
	}

	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "manual"
	}
	message := req.CommitMessage
	if message == "" {
		message = "Manual build of " + branch
	}
	return c.Start(ctx, build.Trigger{
		Job:             req.Job,
		CommitSHA:       sha,
		CommitMessage:   message,
		Branch:          branch,
		RepositoryURL:   cfg.GitRepository,
		RepositoryOwner: repo.Owner,
		RepositoryName:  repo.Name,
		TriggeredBy:     triggeredBy,
	})
}

func (c *Coordinator) branchAuth(ctx context.Context, credentialID int64) (*scm.BasicAuth, error) {
	if c.credentials == nil || credentialID == 0 {
		return nil, nil
	}
	cred, err := c.credentials.FindCredential(ctx, credentialID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to resolve credential %d: %w", pipeline.ErrConfiguration, credentialID, err)
	}
	switch {
	case cred.HasToken():
		token, err := c.decrypter.Decrypt(cred.EncryptedToken)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decrypt token of credential %d: %w", pipeline.ErrConfiguration, cred.ID, err)
		}
		return &scm.BasicAuth{Password: token}, nil
	case cred.HasUsernamePassword():
		password, err := c.decrypter.Decrypt(cred.EncryptedPassword)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decrypt password of credential %d: %w", pipeline.ErrConfiguration, cred.ID, err)
		}
		return &scm.BasicAuth{Username: cred.Username, Password: password}, nil
	}
	return nil, fmt.Errorf("%w: credential %d has neither a token nor a username and password", pipeline.ErrConfiguration, cred.ID)
}
