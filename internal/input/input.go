// Package input expands flag values that reference stdin (-) or a file
// (@path), so long text can be piped into flags instead of quoted inline.
package input

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Expand resolves a flag value that may reference external content:
// "-" reads all of stdin, "@path" reads a file, anything else passes
// through unchanged. Surrounding whitespace is trimmed from read
// content; interior lines keep their indentation.
func Expand(v string) (string, error) {
	return ExpandFrom(v, os.Stdin)
}

// ExpandFrom is Expand with the stdin reader injected.
func ExpandFrom(v string, stdin io.Reader) (string, error) {
	switch {
	case v == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	case strings.HasPrefix(v, "@"):
		path := strings.TrimPrefix(v, "@")
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	default:
		return v, nil
	}
}
