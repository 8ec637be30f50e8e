package workspace

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ChangedFile is one dirty path in a session workspace's repository.
type ChangedFile struct {
	Path      string `json:"path"`
	Staged    bool   `json:"staged"`
	Untracked bool   `json:"untracked"`
}

// RepoStatus summarizes the repository a session is working in.
type RepoStatus struct {
	Branch string        `json:"branch"`
	Ahead  int           `json:"ahead"`
	Behind int           `json:"behind"`
	Dirty  []ChangedFile `json:"dirty"`
}

// RepoStatus reports branch, upstream divergence, and dirty files for
// the repository at dir. The dir passes the same path policy as file
// viewing — git inspection is only offered for supervised workspaces.
func (in *Inspector) RepoStatus(dir string) (*RepoStatus, error) {
	resolved, err := in.Resolve(dir)
	if err != nil {
		return nil, err
	}

	branch, err := in.git(resolved, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("not a git repository: %w", err)
	}
	status := &RepoStatus{Branch: strings.TrimSpace(branch), Dirty: []ChangedFile{}}

	if ab, err := in.git(resolved, "rev-list", "--left-right", "--count", "HEAD...@{upstream}"); err == nil {
		if fields := strings.Fields(strings.TrimSpace(ab)); len(fields) == 2 {
			status.Ahead, _ = strconv.Atoi(fields[0])
			status.Behind, _ = strconv.Atoi(fields[1])
		}
	}

	porcelain, err := in.git(resolved, "status", "--porcelain=v1")
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(porcelain, "\n") {
		if len(line) < 4 {
			continue
		}
		cf := ChangedFile{Path: strings.TrimSpace(line[3:])}
		switch {
		case line[0] == '?':
			cf.Untracked = true
		case line[0] != ' ':
			cf.Staged = true
		}
		status.Dirty = append(status.Dirty, cf)
	}

	return status, nil
}

// Commit is one entry of RepoLog.
type Commit struct {
	Hash    string `json:"hash"`
	Subject string `json:"subject"`
	Author  string `json:"author"`
	Date    string `json:"date"`
}

// RepoLog returns the most recent commits in the workspace repository.
func (in *Inspector) RepoLog(dir string, limit int) ([]Commit, error) {
	resolved, err := in.Resolve(dir)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	out, err := in.git(resolved, "log",
		"--max-count="+strconv.Itoa(limit), "--format=%H%x1f%s%x1f%an%x1f%aI")
	if err != nil {
		return nil, err
	}

	commits := []Commit{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.Split(line, "\x1f")
		if len(parts) != 4 {
			continue
		}
		commits = append(commits, Commit{
			Hash:    parts[0][:7],
			Subject: parts[1],
			Author:  parts[2],
			Date:    parts[3],
		})
	}
	return commits, nil
}

// RepoDiff returns the working-tree diff, optionally against ref. The
// ref is followed by "--" so git never reads it as a path, and is
// rejected when it looks like a flag, so a crafted ref can't smuggle
// git options in.
func (in *Inspector) RepoDiff(dir, ref string) (string, error) {
	resolved, err := in.Resolve(dir)
	if err != nil {
		return "", err
	}

	args := []string{"diff"}
	if ref != "" {
		if strings.HasPrefix(ref, "-") {
			return "", fmt.Errorf("invalid ref: %s", ref)
		}
		args = append(args, ref, "--")
	}
	return in.git(resolved, args...)
}

func (in *Inspector) git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
