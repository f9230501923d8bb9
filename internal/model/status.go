// internal/model/status.go
package model

import "fmt"

// PollStatus is the coarse progress marker for organisations and repositories.
type PollStatus int

const (
	PollStatusNone    PollStatus = 0
	PollStatusPending PollStatus = 1
	PollStatusScanned PollStatus = 2
)

func (s PollStatus) String() string {
	switch s {
	case PollStatusNone:
		return "NONE"
	case PollStatusPending:
		return "PENDING"
	case PollStatusScanned:
		return "SCANNED"
	}
	return fmt.Sprintf("PollStatus(%d)", int(s))
}

// OrgStatus records the outcome of discovering an organisation.
type OrgStatus int

const (
	OrgStatusNone    OrgStatus = 0
	OrgStatusOK      OrgStatus = 1
	OrgStatusMissing OrgStatus = 2
)

func (s OrgStatus) String() string {
	switch s {
	case OrgStatusNone:
		return "NONE"
	case OrgStatusOK:
		return "OK"
	case OrgStatusMissing:
		return "MISSING"
	}
	return fmt.Sprintf("OrgStatus(%d)", int(s))
}

// RepoStatus is the outcome of fetching or resolving a repository.
type RepoStatus int

const (
	RepoStatusNone           RepoStatus = 0
	RepoStatusOK             RepoStatus = 1
	RepoStatusMissing        RepoStatus = 2
	RepoStatusEmpty          RepoStatus = 3
	RepoStatusBlocked        RepoStatus = 4
	RepoStatusCommitMissing  RepoStatus = 5
	RepoStatusGitError       RepoStatus = 6
	RepoStatusInvalidRequest RepoStatus = 7
	RepoStatusRedirect       RepoStatus = 8
	RepoStatusNoWorkflows    RepoStatus = 9
	RepoStatusUnknown        RepoStatus = 99
)

var repoStatusNames = map[RepoStatus]string{
	RepoStatusNone:           "NONE",
	RepoStatusOK:             "OK",
	RepoStatusMissing:        "MISSING",
	RepoStatusEmpty:          "EMPTY",
	RepoStatusBlocked:        "BLOCKED",
	RepoStatusCommitMissing:  "COMMIT_MISSING",
	RepoStatusGitError:       "GIT_ERROR",
	RepoStatusInvalidRequest: "INVALID_REQUEST",
	RepoStatusRedirect:       "REDIRECT",
	RepoStatusNoWorkflows:    "NO_WORKFLOWS",
	RepoStatusUnknown:        "UNKNOWN",
}

func (s RepoStatus) String() string {
	if name, ok := repoStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("RepoStatus(%d)", int(s))
}

// RefType classifies a ref string. RefTypeMissing is only used for resolved refs
// and marks a commit that no tag or branch points at.
type RefType int

const (
	RefTypeMissing RefType = -1
	RefTypeUnknown RefType = 0
	RefTypeBranch  RefType = 1
	RefTypeTag     RefType = 2
	RefTypeCommit  RefType = 3
)

func (t RefType) String() string {
	switch t {
	case RefTypeMissing:
		return "MISSING"
	case RefTypeUnknown:
		return "UNKNOWN"
	case RefTypeBranch:
		return "BRANCH"
	case RefTypeTag:
		return "TAG"
	case RefTypeCommit:
		return "COMMIT"
	}
	return fmt.Sprintf("RefType(%d)", int(t))
}

type Visibility int

const (
	VisibilityNone    Visibility = 0
	VisibilityPublic  Visibility = 1
	VisibilityPrivate Visibility = 2
)

func (v Visibility) String() string {
	switch v {
	case VisibilityNone:
		return "NONE"
	case VisibilityPublic:
		return "PUBLIC"
	case VisibilityPrivate:
		return "PRIVATE"
	}
	return fmt.Sprintf("Visibility(%d)", int(v))
}

type WorkflowType int

const (
	WorkflowTypeNone     WorkflowType = 0
	WorkflowTypeWorkflow WorkflowType = 1
	WorkflowTypeAction   WorkflowType = 2
	WorkflowTypeDocker   WorkflowType = 3
)

func (t WorkflowType) String() string {
	switch t {
	case WorkflowTypeNone:
		return "NONE"
	case WorkflowTypeWorkflow:
		return "WORKFLOW"
	case WorkflowTypeAction:
		return "ACTION"
	case WorkflowTypeDocker:
		return "DOCKER"
	}
	return fmt.Sprintf("WorkflowType(%d)", int(t))
}

type WorkflowStatus int

const (
	WorkflowStatusNone       WorkflowStatus = 0
	WorkflowStatusDownloaded WorkflowStatus = 1
	WorkflowStatusProcessed  WorkflowStatus = 2
	WorkflowStatusRedirect   WorkflowStatus = 3
	WorkflowStatusError      WorkflowStatus = 4
	WorkflowStatusMissing    WorkflowStatus = 5
	WorkflowStatusSubmodule  WorkflowStatus = 6
)

func (s WorkflowStatus) String() string {
	switch s {
	case WorkflowStatusNone:
		return "NONE"
	case WorkflowStatusDownloaded:
		return "DOWNLOADED"
	case WorkflowStatusProcessed:
		return "PROCESSED"
	case WorkflowStatusRedirect:
		return "REDIRECT"
	case WorkflowStatusError:
		return "ERROR"
	case WorkflowStatusMissing:
		return "MISSING"
	case WorkflowStatusSubmodule:
		return "SUBMODULE"
	}
	return fmt.Sprintf("WorkflowStatus(%d)", int(s))
}

// Transition tables. A status not listed as a key is terminal.

var pollTransitions = map[PollStatus][]PollStatus{
	PollStatusNone:    {PollStatusPending, PollStatusScanned},
	PollStatusPending: {PollStatusScanned},
}

var workflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowStatusNone: {
		WorkflowStatusDownloaded,
		WorkflowStatusProcessed,
		WorkflowStatusRedirect,
		WorkflowStatusError,
		WorkflowStatusMissing,
		WorkflowStatusSubmodule,
	},
	WorkflowStatusDownloaded: {WorkflowStatusProcessed, WorkflowStatusError},
}

// CanBecome reports whether moving from s to next is a legal transition.
// Staying in the same state is always legal.
func (s PollStatus) CanBecome(next PollStatus) bool {
	return s == next || contains(pollTransitions[s], next)
}

// CanBecome reports whether moving from s to next is a legal transition.
// Staying in the same state is always legal.
func (s WorkflowStatus) CanBecome(next WorkflowStatus) bool {
	return s == next || contains(workflowTransitions[s], next)
}

// CanBecome reports whether moving from s to next is a legal transition. A repository
// may leave NONE for any outcome. OK and NO_WORKFLOWS describe a reachable repository
// and may still move to any outcome but NONE; the rest are terminal.
func (s RepoStatus) CanBecome(next RepoStatus) bool {
	switch s {
	case next:
		return true
	case RepoStatusNone:
		return true
	case RepoStatusOK, RepoStatusNoWorkflows:
		return next != RepoStatusNone
	}
	return false
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
