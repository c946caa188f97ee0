package env

import (
	"os"
	"path/filepath"
	"strings"
)

// Var holds KEY -> VALUE pairs read from a dotenv file.
type Var map[string]string

// ParseFile reads a dotenv file. Blank lines and lines starting with # are
// skipped, an optional "export " prefix is dropped, and values may be wrapped
// in single or double quotes.
func ParseFile(path string) (Var, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	return Parse(string(b)), nil
}

// Parse parses dotenv content.
func Parse(content string) Var {
	m := make(Var)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		if k == "" {
			continue
		}
		m[k] = unquote(strings.TrimSpace(line[i+1:]))
	}
	return m
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// Apply exports every variable that is not already present in the process
// environment. ${VAR} references are expanded against the process
// environment first, then against the file itself. It returns the keys that
// were set.
func (v Var) Apply() ([]string, error) {
	var set []string
	for k, val := range v {
		if _, ok := os.LookupEnv(k); ok {
			continue
		}
		if err := os.Setenv(k, v.expand(val)); err != nil {
			return set, err
		}
		set = append(set, k)
	}
	return set, nil
}

// expansion only runs when the value contains ${, no recursion
func (v Var) expand(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(name string) string {
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return v[name]
	})
}
