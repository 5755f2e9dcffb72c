package build

import "fmt"

// JobKind tags which JobConfig variant is in use.
type JobKind string

const (
	// JobSimple builds a single configured branch.
	JobSimple JobKind = "SIMPLE"

	// JobMultiBranch builds any branch matching a pattern.
	JobMultiBranch JobKind = "MULTI_BRANCH"
)

// JobConfig is the source configuration of a job. Branch applies to simple jobs,
// BranchPattern to multi-branch jobs.
type JobConfig struct {
	Kind          JobKind `json:"kind"`
	GitRepository string  `json:"git_repository"`
	CredentialID  int64   `json:"credential_id"`
	Branch        string  `json:"branch,omitempty"`
	BranchPattern string  `json:"branch_pattern,omitempty"`

	// ScriptFile is the pipeline-definition path relative to the repository root.
	ScriptFile string `json:"script_file,omitempty"`
}

// Job is a configured, buildable project.
type Job struct {
	ID     int64     `json:"id"`
	Name   string    `json:"name"`
	Config JobConfig `json:"config"`

	// CheckoutLatestCommit builds the branch head instead of the triggering commit.
	CheckoutLatestCommit bool `json:"checkout_latest_commit"`
	CleanupWorkspace     bool `json:"cleanup_workspace"`
}

// DefaultBranch is the branch built when a trigger does not name one.
func (cfg JobConfig) DefaultBranch() string {
	if cfg.Kind == JobSimple {
		return cfg.Branch
	}
	return ""
}

// Validate reports configuration errors that make the job unbuildable.
func (cfg JobConfig) Validate() error {
	if cfg.GitRepository == "" {
		return fmt.Errorf("job has no git repository configured")
	}
	switch cfg.Kind {
	case JobSimple:
		if cfg.Branch == "" {
			return fmt.Errorf("simple job has no branch configured")
		}
	case JobMultiBranch:
		if cfg.BranchPattern == "" {
			return fmt.Errorf("multi-branch job has no branch pattern configured")
		}
	default:
		return fmt.Errorf("unknown job kind %q", cfg.Kind)
	}
	return nil
}

// Trigger is an already-resolved request to build a job at a commit.
type Trigger struct {
	Job             Job    `json:"job"`
	CommitSHA       string `json:"commit_sha"`
	CommitMessage   string `json:"commit_message,omitempty"`
	Branch          string `json:"branch"`
	RepositoryURL   string `json:"repository_url,omitempty"`
	RepositoryOwner string `json:"repository_owner,omitempty"`
	RepositoryName  string `json:"repository_name,omitempty"`
	TriggeredBy     string `json:"triggered_by,omitempty"`
}

// CancelResult reports the outcome of a cancellation request.
type CancelResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
