package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

//go:embed schema/catalog.cue
var schemaSource []byte

//go:embed schema/default.cue
var defaultSource []byte

// Issue is one problem found in a catalog file.
type Issue struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	var b strings.Builder
	if i.File != "" {
		b.WriteString(i.File)
		if i.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", i.Line, i.Column)
		}
		b.WriteString(": ")
	}
	if i.Path != "" {
		b.WriteString(i.Path)
		b.WriteString(": ")
	}
	b.WriteString(i.Message)
	return b.String()
}

// LoadError reports every issue of an invalid catalog.
type LoadError struct {
	Source string
	Issues []Issue
}

func (e *LoadError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.String()
	}
	return fmt.Sprintf("invalid catalog %s: %s", e.Source, strings.Join(msgs, "; "))
}

// Loader parses and validates catalogs. It is safe for sequential use; the
// CUE context is not safe for concurrent use.
type Loader struct {
	ctx      *cue.Context
	schema   cue.Value
	validate *validator.Validate
}

// NewLoader compiles the embedded schema.
func NewLoader() (*Loader, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileBytes(schemaSource, cue.Filename("catalog.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile catalog schema: %w", err)
	}

	def := schema.LookupPath(cue.ParsePath("#Catalog"))
	if !def.Exists() {
		return nil, fmt.Errorf("catalog schema has no #Catalog definition")
	}

	return &Loader{
		ctx:      ctx,
		schema:   def,
		validate: validator.New(),
	}, nil
}

// Load reads the catalog at path, or the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	l, err := NewLoader()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return l.LoadBytes("default.cue", defaultSource)
	}
	return l.LoadFile(path)
}

// Default returns the embedded default catalog.
func Default() (*Catalog, error) {
	return Load("")
}

// LoadFile reads and validates a catalog file.
func (l *Loader) LoadFile(path string) (*Catalog, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return l.LoadBytes(path, src)
}

// LoadBytes validates catalog source. name is used in issue positions.
func (l *Loader) LoadBytes(name string, src []byte) (*Catalog, error) {
	val := l.ctx.CompileBytes(src, cue.Filename(name))
	if err := val.Err(); err != nil {
		return nil, &LoadError{Source: name, Issues: convertCUEErrors(err)}
	}

	unified := l.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &LoadError{Source: name, Issues: convertCUEErrors(err)}
	}

	var cat Catalog
	if err := unified.Decode(&cat); err != nil {
		return nil, &LoadError{Source: name, Issues: convertCUEErrors(err)}
	}
	cat.Source = name
	if cat.Skills == nil {
		cat.Skills = map[string]*Skill{}
	}
	for id, skill := range cat.Skills {
		skill.ID = id
	}

	if issues := l.check(&cat); len(issues) > 0 {
		return nil, &LoadError{Source: name, Issues: issues}
	}
	return &cat, nil
}

// check applies the rules the schema cannot express.
func (l *Loader) check(cat *Catalog) []Issue {
	var issues []Issue

	if err := l.validate.Struct(cat); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				issues = append(issues, Issue{
					Path:    fe.Namespace(),
					Message: fmt.Sprintf("failed on the '%s' rule", fe.Tag()),
				})
			}
		} else {
			issues = append(issues, Issue{Message: err.Error()})
		}
	}

	seen := make(map[string]bool, len(cat.Setup))
	for i, step := range cat.Setup {
		if seen[step.Name] {
			issues = append(issues, Issue{
				Path:    fmt.Sprintf("setup[%d].name", i),
				Message: fmt.Sprintf("duplicate setup step %q", step.Name),
			})
		}
		seen[step.Name] = true

		if step.Timeout != "" && step.CommandTimeout() <= 0 {
			issues = append(issues, Issue{
				Path:    fmt.Sprintf("setup[%d].timeout", i),
				Message: fmt.Sprintf("invalid timeout %q", step.Timeout),
			})
		}
		if step.EnvScript != "" {
			if err := ValidateScript(step.EnvScript); err != nil {
				issues = append(issues, Issue{
					Path:    fmt.Sprintf("setup[%d].env_script", i),
					Message: err.Error(),
				})
			}
		}
		if len(step.Commands) == 0 && len(step.Files) == 0 && !step.InjectsEnv() {
			issues = append(issues, Issue{
				Path:    fmt.Sprintf("setup[%d]", i),
				Message: fmt.Sprintf("setup step %q does nothing", step.Name),
			})
		}
	}

	for _, id := range cat.SkillIDs() {
		skill := cat.Skills[id]
		if skill.Timeout != "" && skill.CommandTimeout() <= 0 {
			issues = append(issues, Issue{
				Path:    fmt.Sprintf("skills.%s.timeout", id),
				Message: fmt.Sprintf("invalid timeout %q", skill.Timeout),
			})
		}
	}

	return issues
}

// convertCUEErrors flattens a CUE error into positioned issues.
func convertCUEErrors(err error) []Issue {
	var issues []Issue
	for _, e := range cueerrors.Errors(err) {
		issue := Issue{Message: cueerrors.Details(e, nil)}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			issue.File = pos[0].Filename()
			issue.Line = pos[0].Line()
			issue.Column = pos[0].Column()
		}
		if path := e.Path(); len(path) > 0 {
			issue.Path = strings.Join(path, ".")
		}
		issues = append(issues, issue)
	}
	if len(issues) == 0 {
		issues = append(issues, Issue{Message: err.Error()})
	}
	return issues
}
