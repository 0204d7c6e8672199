// Package jobspec turns declarative job definitions from the config file into
// scheduler jobs backed by external commands.
package jobspec

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"jobmgr/internal/jobs"
	logx "jobmgr/pkg/logx"
)

// Spec declares one job and, recursively, its children.
//
// Example (YAML):
//
//	jobs:
//	  - name: build
//	    command: make
//	    args: ["all"]
//	    cpu_heavy: true
//	    timeout: 10m
//	    children:
//	      - name: test
//	        command: make
//	        args: ["test"]
type Spec struct {
	Name     string            `json:"name"`
	Command  string            `json:"command"`
	Args     []string          `json:"args,omitempty"`
	Dir      string            `json:"dir,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	CPUHeavy bool              `json:"cpu_heavy,omitempty"`
	// Timeout is a Go duration string; empty or "0s" means none.
	Timeout  string `json:"timeout,omitempty"`
	Children []Spec `json:"children,omitempty"`
}

// Validate checks every spec in the tree. Names must be unique across the
// whole tree so jobs can be told apart in logs and history.
func Validate(specs []Spec) error {
	seen := map[string]string{}
	var errs []error
	var walk func(prefix string, list []Spec)
	walk = func(prefix string, list []Spec) {
		for i, sp := range list {
			path := fmt.Sprintf("%s[%d]", prefix, i)
			name := strings.TrimSpace(sp.Name)
			switch {
			case name == "":
				errs = append(errs, fmt.Errorf("%s.name: required", path))
			case seen[name] != "":
				errs = append(errs, fmt.Errorf("%s.name: duplicate job name %q (also at %s)", path, name, seen[name]))
			default:
				seen[name] = path
			}
			if strings.TrimSpace(sp.Command) == "" {
				errs = append(errs, fmt.Errorf("%s.command: required", path))
			}
			if _, err := parseTimeout(path+".timeout", sp.Timeout); err != nil {
				errs = append(errs, err)
			}
			walk(path+".children", sp.Children)
		}
	}
	walk("jobs", specs)
	return errors.Join(errs...)
}

func parseTimeout(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// Build creates the Runnable for a single spec, ignoring its children.
func Build(sp Spec, log logx.Logger) (*Command, error) {
	timeout, err := parseTimeout(sp.Name+".timeout", sp.Timeout)
	if err != nil {
		return nil, err
	}
	env := make([]string, 0, len(sp.Env))
	for k, v := range sp.Env {
		env = append(env, k+"="+v)
	}
	return &Command{
		Name:    strings.TrimSpace(sp.Name),
		Path:    strings.TrimSpace(sp.Command),
		Args:    append([]string(nil), sp.Args...),
		Dir:     sp.Dir,
		Env:     env,
		Timeout: timeout,
		Log:     log,
	}, nil
}

// Register adds specs to s depth-first: each top-level spec with AddJob,
// followed by its subtree with AddChildJob. The returned map holds the ref
// of every registered job by name.
func Register(s *jobs.Scheduler, specs []Spec, log logx.Logger) (map[string]jobs.JobRef, error) {
	if err := Validate(specs); err != nil {
		return nil, err
	}
	refs := make(map[string]jobs.JobRef, len(specs))
	var add func(parent jobs.JobRef, sp Spec) error
	add = func(parent jobs.JobRef, sp Spec) error {
		cmd, err := Build(sp, log)
		if err != nil {
			return err
		}
		opts := []jobs.JobOption{jobs.WithName(cmd.Name)}
		if sp.CPUHeavy {
			opts = append(opts, jobs.CPUHeavy())
		}
		var ref jobs.JobRef
		if parent == 0 {
			ref = s.AddJob(cmd, opts...)
			if ref == 0 {
				return jobs.ErrClosed
			}
		} else if ref, err = s.AddChildJob(parent, cmd, opts...); err != nil {
			return fmt.Errorf("register %s: %w", cmd.Name, err)
		}
		refs[cmd.Name] = ref
		for _, child := range sp.Children {
			if err := add(ref, child); err != nil {
				return err
			}
		}
		return nil
	}
	for _, sp := range specs {
		if err := add(0, sp); err != nil {
			return refs, err
		}
	}
	return refs, nil
}

// Count returns the number of jobs in the spec tree.
func Count(specs []Spec) int {
	n := 0
	for _, sp := range specs {
		n += 1 + Count(sp.Children)
	}
	return n
}
