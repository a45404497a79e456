package fs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// cleanTarget checks a request target and returns its segments. The
// empty target names the root.
func cleanTarget(target string) ([]string, *Error) {
	if target == "" {
		return nil, nil
	}
	if strings.HasPrefix(target, "/") || strings.Contains(target, "\\") || filepath.IsAbs(target) {
		return nil, &Error{Kind: InvalidTarget, Message: "target must be relative"}
	}
	parts := strings.Split(target, "/")
	for _, p := range parts {
		switch p {
		case "..":
			return nil, &Error{Kind: DirectoryTraversal, Message: target}
		case "", ".":
			return nil, &Error{Kind: InvalidTarget, Message: target}
		}
		if strings.ContainsRune(p, 0) {
			return nil, &Error{Kind: InvalidTarget, Message: "nul in target"}
		}
	}
	return parts, nil
}

// resolve maps target onto the file system, refusing symlinks that lead
// outside root.
func resolve(root, target string) (string, *Error) {
	parts, ferr := cleanTarget(target)
	if ferr != nil {
		return "", ferr
	}
	full := filepath.Join(append([]string{root}, parts...)...)
	real, err := filepath.EvalSymlinks(full)
	if err != nil {
		return "", osError(err, target)
	}
	rel, err := filepath.Rel(root, real)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &Error{Kind: DirectoryTraversal, Message: target}
	}
	return real, nil
}

func osError(err error, target string) *Error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &Error{Kind: NotFound, Message: target}
	case errors.Is(err, fs.ErrPermission):
		return &Error{Kind: PermissionDenied, Message: target}
	}
	var pe *os.PathError
	if errors.As(err, &pe) {
		return &Error{Kind: Other, Message: pe.Op + " " + target + ": " + pe.Err.Error()}
	}
	return &Error{Kind: Other, Message: err.Error()}
}
