package command

import (
	"fmt"
	"strings"

	"mini-ipc/errs"
)

// Param describes one named parameter of a command.
type Param struct {
	Name        string
	Default     any
	HasDefault  bool
	KeywordOnly bool
}

// Required declares a positional parameter without a default.
func Required(name string) Param {
	return Param{Name: name}
}

// Optional declares a positional parameter with a default.
func Optional(name string, def any) Param {
	return Param{Name: name, Default: def, HasDefault: true}
}

// KeywordOnly declares a parameter that can only be passed by keyword. It
// always has a default.
func KeywordOnly(name string, def any) Param {
	return Param{Name: name, Default: def, HasDefault: true, KeywordOnly: true}
}

// Signature is the full call signature of a command: named parameters in
// declaration order, and whether extra positional (VarArgs) and extra keyword
// (VarKeywords) arguments are captured.
type Signature struct {
	Params      []Param
	VarArgs     bool
	VarKeywords bool
}

// Sig builds a signature from params.
func Sig(params ...Param) Signature {
	return Signature{Params: params}
}

// WithVarArgs returns a copy of s that captures extra positional arguments.
func (s Signature) WithVarArgs() Signature {
	s.Params = append([]Param(nil), s.Params...)
	s.VarArgs = true
	return s
}

// WithVarKeywords returns a copy of s that captures extra keyword arguments.
func (s Signature) WithVarKeywords() Signature {
	s.Params = append([]Param(nil), s.Params...)
	s.VarKeywords = true
	return s
}

// validate checks names are unique and that no required positional parameter
// follows one with a default.
func (s Signature) validate() error {
	seen := make(map[string]bool, len(s.Params))
	defaulted := false
	for _, p := range s.Params {
		if p.Name == "" {
			return fmt.Errorf("parameter without a name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter %q", p.Name)
		}
		seen[p.Name] = true
		if p.KeywordOnly {
			if !p.HasDefault {
				return fmt.Errorf("keyword-only parameter %q needs a default", p.Name)
			}
			continue
		}
		if p.HasDefault {
			defaulted = true
		} else if defaulted {
			return fmt.Errorf("required parameter %q follows a parameter with a default", p.Name)
		}
	}
	return nil
}

// Positional returns the parameters that may be passed by position.
func (s Signature) Positional() []Param {
	out := make([]Param, 0, len(s.Params))
	for _, p := range s.Params {
		if !p.KeywordOnly {
			out = append(out, p)
		}
	}
	return out
}

func (s Signature) String() string {
	var parts []string
	for _, p := range s.Positional() {
		parts = append(parts, formatParam(p))
	}
	if s.VarArgs {
		parts = append(parts, "*args")
	}
	for _, p := range s.Params {
		if p.KeywordOnly {
			parts = append(parts, formatParam(p))
		}
	}
	if s.VarKeywords {
		parts = append(parts, "**kwargs")
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func formatParam(p Param) string {
	if p.HasDefault {
		return fmt.Sprintf("%s=%#v", p.Name, p.Default)
	}
	return p.Name
}

// Args is a canonical, complete argument set produced by Bind. Positional
// holds one value per positional parameter in declaration order, followed by
// any captured extra positional values. Keywords holds keyword-only values and
// any captured extra keywords.
type Args struct {
	Positional []any
	Keywords   map[string]any
}

// Len is the number of positional values.
func (a Args) Len() int { return len(a.Positional) }

// Extra returns the positional values captured past the named parameters.
func (a Args) Extra(s Signature) []any {
	n := len(s.Positional())
	if len(a.Positional) <= n {
		return nil
	}
	return a.Positional[n:]
}

// Bind matches supplied arguments against s the way a call would, filling in
// defaults for omitted parameters. Binding an already-bound Args again yields
// the same Args.
func (s Signature) Bind(positional []any, keywords map[string]any) (Args, error) {
	params := s.Positional()
	values := make([]any, len(params))
	assigned := make([]bool, len(params))

	if len(positional) > len(params) && !s.VarArgs {
		return Args{}, bindError("takes %d positional arguments but %d were given", len(params), len(positional))
	}
	for i := 0; i < len(positional) && i < len(params); i++ {
		values[i] = positional[i]
		assigned[i] = true
	}
	var extra []any
	if len(positional) > len(params) {
		extra = positional[len(params):]
	}

	out := Args{Keywords: make(map[string]any)}
	kwonly := make(map[string]Param)
	for _, p := range s.Params {
		if p.KeywordOnly {
			kwonly[p.Name] = p
		}
	}

	for name, value := range keywords {
		if i := indexOf(params, name); i >= 0 {
			if assigned[i] {
				return Args{}, bindError("got multiple values for argument %q", name)
			}
			values[i] = value
			assigned[i] = true
			continue
		}
		if _, ok := kwonly[name]; ok {
			out.Keywords[name] = value
			continue
		}
		if !s.VarKeywords {
			return Args{}, bindError("got an unexpected keyword argument %q", name)
		}
		out.Keywords[name] = value
	}

	for i, p := range params {
		if assigned[i] {
			continue
		}
		if !p.HasDefault {
			return Args{}, bindError("missing required argument %q", p.Name)
		}
		values[i] = p.Default
	}
	for name, p := range kwonly {
		if _, ok := out.Keywords[name]; !ok {
			out.Keywords[name] = p.Default
		}
	}

	out.Positional = append(values, extra...)
	return out, nil
}

func indexOf(params []Param, name string) int {
	for i, p := range params {
		if p.Name == name {
			return i
		}
	}
	return -1
}

func bindError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errs.ErrBind}, args...)...)
}
