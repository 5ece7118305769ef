// Package env composes the environment handed to spawned pool members.
package env

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env accumulates variables in application order: later sources override
// earlier ones.
type Env struct {
	vars Var
}

func New() *Env {
	return &Env{vars: make(Var)}
}

// FromOS layers the current process environment in.
func (e *Env) FromOS() {
	for _, kv := range os.Environ() {
		e.apply(kv)
	}
}

// LoadFile layers a .env file in: KEY=VALUE lines, no export keyword, no
// quoting. Lines starting with # are ignored.
func (e *Env) LoadFile(path string) error {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			e.Set(strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]))
		}
	}
	return nil
}

// Apply layers a list of K=V pairs in. Malformed entries are skipped.
func (e *Env) Apply(kvs []string) {
	for _, kv := range kvs {
		e.apply(kv)
	}
}

func (e *Env) apply(kv string) {
	if i := strings.IndexByte(kv, '='); i >= 0 {
		e.Set(kv[:i], kv[i+1:])
	}
}

// Set sets one variable.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.vars[k] = v
}

// Environ returns the composed environment as a sorted K=V slice, with
// simple non-recursive ${VAR} expansion against the composed map.
func (e *Env) Environ() []string {
	out := make([]string, 0, len(e.vars))
	for k, v := range e.vars {
		out = append(out, k+"="+expand(v, e.vars))
	}
	sort.Strings(out)
	return out
}

// Len reports how many variables are set.
func (e *Env) Len() int { return len(e.vars) }

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
