package env

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

var (
	envKeyRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	refRegexp    = regexp.MustCompile(`\$\{([^}]*)\}`)
)

// LookupFunc returns the value of an environment variable.
type LookupFunc func(key string) (string, bool)

// Expand replaces the `${VAR}` and `${VAR:-default}` references of s with the
// environment values. Referencing an unset variable without default is an error.
func Expand(s string) (string, error) {
	return ExpandWith(s, os.LookupEnv)
}

// ExpandWith is like Expand using a custom lookup.
func ExpandWith(s string, lookup LookupFunc) (string, error) {
	var errs []string
	out := refRegexp.ReplaceAllStringFunc(s, func(ref string) string {
		spec := refRegexp.FindStringSubmatch(ref)[1]
		key, def, hasDef := strings.Cut(spec, ":-")
		if !isValidKey(key) {
			errs = append(errs, fmt.Sprintf("invalid environment variable key %q", key))
			return ref
		}

		if v, ok := lookup(key); ok && v != "" {
			return v
		}
		if hasDef {
			return def
		}
		errs = append(errs, fmt.Sprintf("environment variable %q is not set", key))
		return ref
	})
	if len(errs) > 0 {
		return "", fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return out, nil
}

func isValidKey(k string) bool {
	return envKeyRegexp.MatchString(k)
}
