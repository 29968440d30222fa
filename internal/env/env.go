package env

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to the backend process.
// Layers apply in order: OS environment (optional), env files, explicit
// variables, then per-launch overrides.
type Env struct {
	useOS bool
	base  Var // cached OS environment
	vars  Var
}

func New(useOS bool) *Env {
	return &Env{useOS: useOS, vars: make(Var)}
}

// Set sets a variable K=V.
func (e *Env) Set(k, v string) *Env {
	if k != "" {
		e.vars[k] = v
	}
	return e
}

// SetList applies "K=V" entries; malformed entries are skipped.
func (e *Env) SetList(kvs []string) *Env {
	for _, kv := range kvs {
		if k, v, ok := Split(kv); ok {
			e.vars[k] = v
		}
	}
	return e
}

// LoadFile applies a simple .env file (KEY=VALUE lines, # comments).
func (e *Env) LoadFile(path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := Split(line); ok {
			e.vars[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return sc.Err()
}

// Merge returns the composed environment in sorted "K=V" form with ${VAR}
// expansion against the composed map (single pass, no recursion).
func (e *Env) Merge(overrides []string) []string {
	m := make(Var)
	if e.useOS {
		if e.base == nil {
			e.base = fromOS()
		}
		for k, v := range e.base {
			m[k] = v
		}
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for _, kv := range overrides {
		if k, v, ok := Split(kv); ok {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// Split parses "K=V". Entries without '=' or with an empty key are rejected.
func Split(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

func fromOS() Var {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := Split(kv); ok {
			base[k] = v
		}
	}
	return base
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		if v, ok := m[k]; ok {
			return v
		}
		return "${" + k + "}"
	})
}
