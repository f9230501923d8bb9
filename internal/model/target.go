// internal/model/target.go
package model

import (
	"regexp"
	"strings"
)

// Target is a parsed crawl target or `uses:` reference.
type Target struct {
	Org    string
	Repo   string
	Ref    string
	Path   string
	Docker bool
}

var githubURLPattern = regexp.MustCompile(`github\.com/([^/]+)/([^/]+)(?:/(?:tree|blob)/([^/]+)(?:/(.*))?)?$`)

// ParseTarget parses "org", "org/repo", "org/repo/path" (each optionally followed by
// "@ref"), a https://github.com URL, or a docker:// image reference.
func ParseTarget(s string) Target {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	switch {
	case s == "":
		return Target{}
	case strings.HasPrefix(lower, "https://"):
		m := githubURLPattern.FindStringSubmatch(s)
		if m == nil {
			return Target{}
		}
		return Target{Org: m[1], Repo: m[2], Ref: m[3], Path: m[4]}
	case strings.HasPrefix(lower, "docker://"):
		return parseDocker(s[len("docker://"):])
	}

	var t Target
	if i := strings.LastIndex(s, "@"); i >= 0 {
		t.Ref = strings.TrimSpace(s[i+1:])
		s = s[:i]
	}
	parts := strings.Split(s, "/")
	t.Org = strings.TrimSpace(parts[0])
	if len(parts) >= 2 {
		t.Repo = strings.TrimSpace(parts[1])
	}
	if len(parts) >= 3 {
		t.Path = strings.Join(parts[2:], "/")
	}
	return t
}

func parseDocker(s string) Target {
	t := Target{Org: "_", Docker: true}
	if i := strings.LastIndex(s, "/"); i >= 0 {
		t.Org, s = s[:i], s[i+1:]
	}
	if i := strings.Index(s, ":"); i >= 0 {
		t.Repo, t.Ref = s[:i], s[i+1:]
	} else {
		t.Repo = s
	}
	return t
}

// IsOrg reports whether the target names only an organisation.
func (t Target) IsOrg() bool {
	return t.Org != "" && t.Repo == ""
}

// Valid reports whether the target names at least an organisation.
func (t Target) Valid() bool {
	return t.Org != ""
}

// String renders the target in "org/repo/path@ref" form.
func (t Target) String() string {
	if t.Docker {
		s := "docker://"
		if t.Org != "_" {
			s += t.Org + "/"
		}
		s += t.Repo
		if t.Ref != "" {
			s += ":" + t.Ref
		}
		return s
	}
	s := t.Org
	if t.Repo != "" {
		s += "/" + t.Repo
	}
	if t.Path != "" {
		s += "/" + t.Path
	}
	if t.Ref != "" {
		s += "@" + t.Ref
	}
	return s
}

// SplitTargets separates organisation names from repository targets, dropping
// blanks and duplicates. Organisation names are compared case-insensitively.
func SplitTargets(raw []string) (orgs []string, repos []Target) {
	seenOrgs := make(map[string]bool)
	seenRepos := make(map[string]bool)
	for _, r := range raw {
		t := ParseTarget(r)
		if !t.Valid() {
			continue
		}
		if t.IsOrg() {
			key := strings.ToLower(t.Org)
			if !seenOrgs[key] {
				seenOrgs[key] = true
				orgs = append(orgs, t.Org)
			}
			continue
		}
		key := strings.ToLower(t.String())
		if !seenRepos[key] {
			seenRepos[key] = true
			repos = append(repos, t)
		}
	}
	return orgs, repos
}
