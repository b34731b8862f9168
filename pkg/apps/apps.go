package apps

import (
	"fmt"
	"sort"
	"strings"

	"github.com/core-tools/hsu-podpilot/pkg/errors"
)

// App identifies a supported GPU application
type App string

const (
	ComfyUI App = "comfyui"
	A1111   App = "a1111"
	Forge   App = "forge"
	Fooocus App = "fooocus"
)

// All lists every supported application in display order
var All = []App{ComfyUI, A1111, Forge, Fooocus}

// LaunchSpec describes how to start an application and where it listens
type LaunchSpec struct {
	App        App      `yaml:"app"`
	WorkingDir string   `yaml:"working_dir"`
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args"`
	Port       int      `yaml:"port"`
}

// Argv returns the command followed by its arguments
func (s LaunchSpec) Argv() []string {
	return append([]string{s.Command}, s.Args...)
}

func (s LaunchSpec) String() string {
	return fmt.Sprintf("%s: %s (cwd %s, port %d)", s.App, strings.Join(s.Argv(), " "), s.WorkingDir, s.Port)
}

var registry = map[App]LaunchSpec{
	ComfyUI: {
		App:        ComfyUI,
		WorkingDir: "/opt/ComfyUI",
		Command:    "python",
		Args:       []string{"main.py", "--listen", "0.0.0.0", "--port", "8188"},
		Port:       8188,
	},
	A1111: {
		App:        A1111,
		WorkingDir: "/opt/stable-diffusion-webui",
		Command:    "python",
		Args:       []string{"launch.py", "--listen", "--port", "7860", "--api"},
		Port:       7860,
	},
	Forge: {
		App:        Forge,
		WorkingDir: "/opt/stable-diffusion-webui-forge",
		Command:    "python",
		Args:       []string{"launch.py", "--listen", "--port", "7861", "--api"},
		Port:       7861,
	},
	Fooocus: {
		App:        Fooocus,
		WorkingDir: "/opt/Fooocus",
		Command:    "python",
		Args:       []string{"entry_with_update.py", "--listen", "0.0.0.0", "--port", "7865"},
		Port:       7865,
	},
}

// Parse maps a case-insensitive identifier to an App
func Parse(s string) (App, error) {
	app := App(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := registry[app]; !ok {
		return "", errors.NewValidationError("unsupported application", nil).
			WithContext("app", s).
			WithContext("supported", strings.Join(Names(), ","))
	}
	return app, nil
}

// Names returns the identifiers of every supported application
func Names() []string {
	names := make([]string, len(All))
	for i, app := range All {
		names[i] = string(app)
	}
	return names
}

// LaunchSpecFor returns the launch specification of an application
func LaunchSpecFor(app App) (LaunchSpec, error) {
	spec, ok := registry[app]
	if !ok {
		return LaunchSpec{}, errors.NewValidationError("no launch specification for application", nil).
			WithContext("app", string(app))
	}
	spec.Args = append([]string(nil), spec.Args...)
	return spec, nil
}

// ValidateRegistry checks that every App has exactly one complete specification
func ValidateRegistry() error {
	return validateRegistry(All, registry)
}

func validateRegistry(ids []App, specs map[App]LaunchSpec) error {
	errs := errors.NewErrorCollection()
	seen := make(map[App]bool, len(ids))
	ports := make(map[int]App, len(ids))

	for _, app := range ids {
		if seen[app] {
			errs.Add(errors.NewValidationError("duplicate application identifier", nil).WithContext("app", string(app)))
			continue
		}
		seen[app] = true

		spec, ok := specs[app]
		if !ok {
			errs.Add(errors.NewValidationError("missing launch specification", nil).WithContext("app", string(app)))
			continue
		}
		if spec.App != app {
			errs.Add(errors.NewValidationError("launch specification registered under wrong identifier", nil).
				WithContext("app", string(app)).WithContext("spec_app", string(spec.App)))
		}
		if spec.WorkingDir == "" {
			errs.Add(errors.NewValidationError("working directory is empty", nil).WithContext("app", string(app)))
		}
		if spec.Command == "" {
			errs.Add(errors.NewValidationError("command is empty", nil).WithContext("app", string(app)))
		}
		if spec.Port < 1 || spec.Port > 65535 {
			errs.Add(errors.NewValidationError("port out of range", nil).
				WithContext("app", string(app)).WithContext("port", spec.Port))
		}
		if other, dup := ports[spec.Port]; dup {
			errs.Add(errors.NewValidationError("port shared by two applications", nil).
				WithContext("app", string(app)).WithContext("other", string(other)).WithContext("port", spec.Port))
		}
		ports[spec.Port] = app
	}

	extra := make([]string, 0)
	for app := range specs {
		if !seen[app] {
			extra = append(extra, string(app))
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		errs.Add(errors.NewValidationError("launch specification for unknown application", nil).
			WithContext("apps", strings.Join(extra, ",")))
	}

	return errs.ToError()
}
