// Package util carries small helpers shared by the commands and the
// engine: output path templating, filename sanitation, glob matching and
// byte formatting.
package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SanitizeFname replaces path separators and other characters that are
// unsafe in output filenames.
func SanitizeFname(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, c := range name {
		switch {
		case c == '/' || c == '\\' || c == ':' || c == '*' || c == '?' || c == '"' || c == '<' || c == '>' || c == '|':
			b.WriteByte('_')
		case c < 0x20:
			b.WriteByte('_')
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}

// OutDir returns (and creates) the output directory for a source
// container: "<source>.out" next to the input.
func OutDir(srcPath string) (string, error) {
	dir := srcPath + ".out"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	return dir, nil
}

// OutPathname joins the source's output directory with name, creating
// intermediate directories.
func OutPathname(srcPath, name string) (string, error) {
	dir, err := OutDir(srcPath)
	if err != nil {
		return "", err
	}
	out := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	return out, nil
}

// IsGlob reports whether the string carries glob metacharacters.
func IsGlob(s string) bool {
	return strings.ContainsAny(s, "*?")
}

// GlobMatch is a minimal '*'/'?' matcher over plain strings, matching
// the selection semantics of the extraction filter.
func GlobMatch(pattern, s string) bool {
	var p, i int
	star, match := -1, 0

	for i < len(s) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == s[i]):
			p++
			i++
		case p < len(pattern) && pattern[p] == '*':
			star = p
			p++
			match = i
		case star != -1:
			p = star + 1
			match++
			i = match
		default:
			return false
		}
	}

	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// AllZero reports whether every byte of data is zero. The page-sized
// hot path compares eight bytes at a time.
func AllZero(data []byte) bool {
	n := len(data)
	i := 0
	for ; i+8 <= n; i += 8 {
		if data[i]|data[i+1]|data[i+2]|data[i+3]|data[i+4]|data[i+5]|data[i+6]|data[i+7] != 0 {
			return false
		}
	}
	for ; i < n; i++ {
		if data[i] != 0 {
			return false
		}
	}
	return true
}

var units = []string{"B", "KB", "MB", "GB", "TB", "PB"}

// Bytes2Human renders a byte count with a binary unit suffix.
func Bytes2Human(n int64) string {
	if n < 0 {
		return "?"
	}
	f := float64(n)
	u := 0
	for f >= 1024 && u < len(units)-1 {
		f /= 1024
		u++
	}
	if u == 0 {
		return fmt.Sprintf("%d %s", n, units[0])
	}
	return fmt.Sprintf("%.1f %s", f, units[u])
}
