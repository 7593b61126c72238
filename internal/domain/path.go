package domain

import (
	"fmt"
	"strings"
)

// ValidatePath checks that p is an absolute, normalized node path.
func ValidatePath(p string) error {
	if p == "" || p[0] != '/' {
		return fmt.Errorf("%w: %q must start with /", ErrInvalidPath, p)
	}
	if p == "/" {
		return nil
	}
	if strings.HasSuffix(p, "/") {
		return fmt.Errorf("%w: %q must not end with /", ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(p[1:], "/") {
		switch seg {
		case "":
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, p)
		case ".", "..":
			return fmt.Errorf("%w: %q has a relative segment", ErrInvalidPath, p)
		}
		if strings.ContainsRune(seg, 0) {
			return fmt.Errorf("%w: %q contains a NUL byte", ErrInvalidPath, p)
		}
	}
	return nil
}

// ParentPath returns the parent of p. The parent of / is /.
func ParentPath(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

// BaseName returns the last segment of p.
func BaseName(p string) string {
	return p[strings.LastIndexByte(p, '/')+1:]
}

// JoinPath appends a child name to parent.
func JoinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// SequenceName appends the zero padded sequence number used for sequential nodes.
func SequenceName(p string, seq int32) string {
	return fmt.Sprintf("%s%010d", p, seq)
}
