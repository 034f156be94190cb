// Package secrets resolves credential placeholders referenced from
// pipeline configuration. Sink fields may contain `{{name}}` markers
// which are substituted at load time through a Resolver; the core
// never reads credential stores directly.
package secrets

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Resolver looks up a named secret.
type Resolver interface {
	// Resolve returns the secret value for name, or an error if the
	// secret is unknown.
	Resolve(name string) (string, error)
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Expand substitutes every {{name}} placeholder in s using r.
// An unresolvable placeholder is an error; a string without
// placeholders is returned unchanged.
func Expand(s string, r Resolver) (string, error) {
	var firstErr error
	out := placeholder.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		val, err := r.Resolve(name)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("secret %q: %w", name, err)
			}
			return m
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// Env resolves secrets from environment variables. The secret name is
// upper-cased, with dots and dashes mapped to underscores, and looked
// up under Prefix (default "EVENTUM_SECRET_").
type Env struct {
	Prefix string
}

// Resolve implements Resolver.
func (e Env) Resolve(name string) (string, error) {
	prefix := e.Prefix
	if prefix == "" {
		prefix = "EVENTUM_SECRET_"
	}
	key := prefix + normalize(name)
	val, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", key)
	}
	return val, nil
}

// Static resolves secrets from a fixed map. Used by validate-only
// loads and tests.
type Static map[string]string

// Resolve implements Resolver.
func (s Static) Resolve(name string) (string, error) {
	val, ok := s[name]
	if !ok {
		return "", fmt.Errorf("no such secret")
	}
	return val, nil
}

func normalize(name string) string {
	name = strings.ToUpper(name)
	name = strings.ReplaceAll(name, ".", "_")
	name = strings.ReplaceAll(name, "-", "_")
	return name
}
