// Package plan turns a templated job descriptor into a concrete,
// ready-to-run execution plan.
package plan

import (
	"fmt"
	"sort"
	"strings"
	"time"

	dagerrors "github.com/stevehiehn/testagent/internal/errors"
	"github.com/stevehiehn/testagent/internal/job"
	"github.com/stevehiehn/testagent/internal/template"
)

// Plan is a fully expanded job. It contains no template markers.
type Plan struct {
	JobID     string            `json:"job_id"`
	Name      string            `json:"name"`
	Argv      []string          `json:"argv"`
	Env       map[string]string `json:"env,omitempty"`
	WorkDir   string            `json:"workdir,omitempty"`
	Artifacts []string          `json:"artifacts,omitempty"`
	Timeout   time.Duration     `json:"timeout,omitempty"`
}

// CommandLine renders argv for display.
func (p *Plan) CommandLine() string {
	return strings.Join(p.Argv, " ")
}

// Resolve expands every templated field of d against ctx. Fields are
// visited in a fixed order so the first failure is always the same one.
func Resolve(d *job.Descriptor, ctx template.Context, exp template.Expander) (*Plan, error) {
	r := resolver{ctx: ctx, exp: exp}

	argv := make([]string, 0, len(d.Command))
	for i, part := range d.Command {
		v, err := r.expand(fmt.Sprintf("command[%d]", i), part)
		if err != nil {
			return nil, err
		}
		argv = append(argv, v)
	}
	if d.Shell {
		argv = []string{"sh", "-c", strings.Join(argv, " ")}
	}

	var env map[string]string
	if len(d.Env) > 0 {
		env = make(map[string]string, len(d.Env))
		names := make([]string, 0, len(d.Env))
		for name := range d.Env {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			v, err := r.expand("env."+name, d.Env[name])
			if err != nil {
				return nil, err
			}
			env[name] = v
		}
	}

	workDir, err := r.expand("workdir", d.WorkDir)
	if err != nil {
		return nil, err
	}

	var artifacts []string
	for i, pattern := range d.Artifacts {
		field := fmt.Sprintf("artifacts[%d]", i)
		v, err := r.expand(field, pattern)
		if err != nil {
			return nil, err
		}
		if err := job.CheckPattern(v); err != nil {
			return nil, dagerrors.NewTemplateError(field, err)
		}
		artifacts = append(artifacts, v)
	}

	return &Plan{
		JobID:     d.ID,
		Name:      d.Name,
		Argv:      argv,
		Env:       env,
		WorkDir:   workDir,
		Artifacts: artifacts,
		Timeout:   d.Timeout,
	}, nil
}

type resolver struct {
	ctx template.Context
	exp template.Expander
}

func (r resolver) expand(field, value string) (string, error) {
	out, err := r.exp.Expand(value, r.ctx)
	if err != nil {
		return "", dagerrors.NewTemplateError(field, err)
	}
	if template.HasMarkers(out) {
		return "", dagerrors.NewTemplateError(field, fmt.Errorf("unexpanded template marker in %q", out))
	}
	return out, nil
}
