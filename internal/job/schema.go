package job

import (
	"time"

	"github.com/stevehiehn/testagent/internal/verdict"
)

// Descriptor is the top-level job structure handed to the agent.
type Descriptor struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	Inputs      map[string]Input  `yaml:"inputs,omitempty"`
	Command     []string          `yaml:"command"`
	Shell       bool              `yaml:"shell,omitempty"` // run command joined through sh -c
	Env         map[string]string `yaml:"env,omitempty"`
	WorkDir     string            `yaml:"workdir,omitempty"`
	Artifacts   []string          `yaml:"artifacts,omitempty"`
	Timeout     time.Duration     `yaml:"timeout,omitempty"`
	Cause       *Reference        `yaml:"cause,omitempty"`

	ArchiveWorkspace bool           `yaml:"archive_workspace,omitempty"`
	VerdictRules     []verdict.Rule `yaml:"verdict_rules,omitempty"`
}

// Input defines a job-level input parameter.
type Input struct {
	Required    bool   `yaml:"required,omitempty"`
	Description string `yaml:"description,omitempty"`
	Default     string `yaml:"default,omitempty"`
}

// Reference points at an event outside this run that the run continues from.
type Reference struct {
	Kind string `yaml:"kind" json:"kind"`
	ID   string `yaml:"id" json:"id"`
}

// ApplyDefaults fills in declared defaults for inputs that were not provided.
func (d *Descriptor) ApplyDefaults(inputs map[string]string) map[string]string {
	out := make(map[string]string, len(inputs)+len(d.Inputs))
	for k, v := range inputs {
		out[k] = v
	}
	for name, inp := range d.Inputs {
		if _, ok := out[name]; !ok && inp.Default != "" {
			out[name] = inp.Default
		}
	}
	return out
}
