package vfs

import (
	"errors"
	"strings"
)

// Path errors.
var (
	ErrEmptyPath   = errors.New("vfs: empty path")
	ErrPathTooLong = errors.New("vfs: path too long")
)

// MaxPathLength is the longest path accepted.
const MaxPathLength = 512

// Clean normalizes p into an absolute path without "." or ".." elements.
func Clean(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}

	var result []string
	for _, comp := range strings.Split(p, "/") {
		switch comp {
		case "", ".":
			continue
		case "..":
			if len(result) > 0 {
				result = result[:len(result)-1]
			}
		default:
			result = append(result, comp)
		}
	}

	if len(result) == 0 {
		return "/"
	}
	return "/" + strings.Join(result, "/")
}

// Dir returns all but the last element of the path.
func Dir(p string) string {
	p = Clean(p)
	lastSlash := strings.LastIndex(p, "/")
	if lastSlash == 0 {
		return "/"
	}
	return p[:lastSlash]
}

// ValidatePath rejects paths the store cannot name.
func ValidatePath(p string) error {
	if p == "" {
		return ErrEmptyPath
	}
	if len(p) > MaxPathLength {
		return ErrPathTooLong
	}
	return nil
}
