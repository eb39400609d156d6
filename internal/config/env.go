package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Identifier whitelists. Anything that does not match falls back to the
// default rather than erroring: a bad env var must never take the gateway
// down.
var (
	identPattern  = regexp.MustCompile(`^[a-z0-9_\-]{1,64}$`)
	modelPattern  = regexp.MustCompile(`^[a-zA-Z0-9/:\._\-]{1,128}$`)
	prefixPattern = regexp.MustCompile(`^[a-z0-9:_\-]{1,64}$`)
)

func envStr(name, def string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	return v
}

// envInt parses an integer env var and clamps rejects: out-of-range or
// unparseable values yield the default.
func envInt(name string, def, min, max int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min || n > max {
		return def
	}
	return n
}

func envInt64(name string, def, min, max int64) int64 {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < min || n > max {
		return def
	}
	return n
}

// envBool accepts 1/true/yes and 0/false/no, case-insensitive. Anything
// else is the default.
func envBool(name string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch v {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	return def
}

func envEnum(name, def string, allowed ...string) string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	return def
}

func envIdent(name, def string, pattern *regexp.Regexp) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" || !pattern.MatchString(v) {
		return def
	}
	return v
}

// envList splits a comma-separated env var, trimming blanks.
func envList(name string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
