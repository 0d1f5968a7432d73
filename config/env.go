package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// ============================================================================
// ENVIRONMENT EXPANSION
// ============================================================================

// envPattern matches ${VAR:-default}, ${VAR} and bare $VAR references.
var envPattern = regexp.MustCompile(`\$(?:\{([A-Z_][A-Z0-9_]*)(?::-([^}]*))?\}|([A-Z_][A-Z0-9_]*))`)

// expandEnvString resolves every variable reference in s in a single pass, so
// an expanded value containing '$' is never expanded again. ${VAR:-default}
// falls back when VAR is unset or empty; references without a default expand
// to the empty string.
func expandEnvString(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envPattern.FindStringSubmatch(match)
		name := groups[1]
		if name == "" {
			name = groups[3]
		}
		if val := os.Getenv(name); val != "" {
			return val
		}
		return groups[2]
	})
}

// coerceScalar re-types a fully expanded string so a variable can carry a
// port number or a flag, not just text.
func coerceScalar(value string) interface{} {
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

// expandEnvData walks a decoded YAML tree and expands variable references in
// every string leaf. Only leaves an expansion actually changed are re-typed.
func expandEnvData(data interface{}) interface{} {
	switch v := data.(type) {
	case string:
		expanded := expandEnvString(v)
		if expanded != v {
			return coerceScalar(expanded)
		}
		return v
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, val := range v {
			out[key] = expandEnvData(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i := range v {
			out[i] = expandEnvData(v[i])
		}
		return out
	default:
		return v
	}
}

// loadEnvFiles loads .env.local then .env into the process environment before
// expansion. Missing files are fine; unreadable ones are not.
func loadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}
