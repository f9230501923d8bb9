// internal/errors/errors.go
package errors

import "fmt"

// ErrInvalidRepoFormat is returned when a repository target cannot be parsed into 'org/name[@ref]'.
type ErrInvalidRepoFormat struct {
	Repo string
}

func (e *ErrInvalidRepoFormat) Error() string {
	return fmt.Sprintf("invalid repository format: %q, expected 'org/name[/path][@ref]'", e.Repo)
}

// ErrInvalidOrgFormat is returned when an organisation target is used where it is not allowed.
type ErrInvalidOrgFormat struct {
	Org    string
	Reason string
}

func (e *ErrInvalidOrgFormat) Error() string {
	return fmt.Sprintf("invalid organisation target %q: %s", e.Org, e.Reason)
}

// ErrInvalidConfig is returned when a configuration value is missing or out of range.
type ErrInvalidConfig struct {
	Key    string
	Reason string
}

func (e *ErrInvalidConfig) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Key, e.Reason)
}
