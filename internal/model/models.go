// internal/model/models.go
package model

import (
	"fmt"
	"strings"
)

// Organisation is an account (organisation or user) on the platform.
type Organisation struct {
	ID         int64
	Name       string
	PollStatus PollStatus
	Status     OrgStatus
}

// Repository is one repository at one ref. The same repository at two refs is two rows.
type Repository struct {
	ID              int64
	OrgID           int64
	Org             string
	Name            string
	Ref             string
	RefType         RefType
	RefCommit       string
	ResolvedRef     string
	ResolvedRefType RefType
	Visibility      Visibility
	Stars           int
	Fork            bool
	Archive         bool
	Status          RepoStatus
	PollStatus      PollStatus
	RedirectID      int64
}

// IsFulfilled reports whether the ref has been resolved to a concrete type and commit
// and the visibility and status of the repository are known.
func (r *Repository) IsFulfilled() bool {
	return r.RefType != RefTypeUnknown &&
		r.RefCommit != "" &&
		r.Visibility != VisibilityNone &&
		r.Status != RepoStatusNone
}

// FullName returns "org/name".
func (r *Repository) FullName() string {
	return r.Org + "/" + r.Name
}

func (r Repository) String() string {
	if r.Ref == "" {
		return r.FullName()
	}
	return fmt.Sprintf("%s@%s", r.FullName(), r.Ref)
}

// Workflow is a workflow, action, or Dockerfile inside a repository.
type Workflow struct {
	ID         int64
	RepoID     int64
	RedirectID int64
	Path       string
	Type       WorkflowType
	Status     WorkflowStatus
	Contents   string
	Data       string
	Repo       Repository
}

func (w Workflow) String() string {
	name := w.Repo.FullName()
	if w.Path != "" {
		name += "/" + w.Path
	}
	if w.Repo.Ref != "" {
		name += "@" + w.Repo.Ref
	}
	return name
}

// DetectWorkflowType infers the workflow type from its path. Anything that is not
// a YAML file or a Dockerfile is treated as an action directory.
func DetectWorkflowType(path string) WorkflowType {
	switch {
	case strings.HasSuffix(path, "Dockerfile"):
		return WorkflowTypeDocker
	case strings.HasSuffix(path, "action.yml"), strings.HasSuffix(path, "action.yaml"):
		return WorkflowTypeAction
	case IsYAML(path):
		return WorkflowTypeWorkflow
	}
	return WorkflowTypeAction
}

// IsYAML reports whether path has a .yml or .yaml extension.
func IsYAML(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}

// WorkflowName returns the lowercase base name of path without its YAML extension.
func WorkflowName(path string) string {
	name := path
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".yml"):
		lower = strings.TrimSuffix(lower, ".yml")
	case strings.HasSuffix(lower, ".yaml"):
		lower = strings.TrimSuffix(lower, ".yaml")
	}
	return lower
}
