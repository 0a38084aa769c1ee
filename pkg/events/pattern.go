package events

import "strings"

// IsPattern reports whether s contains a '*' wildcard
func IsPattern(s string) bool {
	return strings.Contains(s, "*")
}

// MatchPattern reports whether name matches pattern, where '*' matches any run of
// characters (including '.') and everything else matches literally.
// "*.created" matches "User.created"; "User.*" matches "User.deleted".
func MatchPattern(pattern, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == name
	}
	if !strings.HasPrefix(name, parts[0]) {
		return false
	}
	name = name[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		i := strings.Index(name, part)
		if i < 0 {
			return false
		}
		name = name[i+len(part):]
	}
	return strings.HasSuffix(name, last)
}

// globSQL converts a '*' pattern to a SQLite GLOB operand, escaping the other
// GLOB metacharacters so they match literally.
func globSQL(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '?':
			b.WriteString("[?]")
		case '[':
			b.WriteString("[[]")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
