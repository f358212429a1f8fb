package session

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// NormalizeFolder cleans a client supplied folder into a relative, slash separated path.
// Anything that would leave the storage root is rejected.
func NormalizeFolder(folder string) (string, error) {
	if strings.ContainsRune(folder, 0) {
		return "", fmt.Errorf("%w: %q contains a NUL byte", ErrInvalidPath, folder)
	}

	folder = strings.ReplaceAll(folder, "\\", "/")
	for _, segment := range strings.Split(folder, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%w: %q escapes the storage root", ErrInvalidPath, folder)
		}
	}

	cleaned := strings.Trim(path.Clean("/"+folder), "/")
	if cleaned == "." {
		cleaned = ""
	}
	return cleaned, nil
}

// SanitizeFilename keeps [A-Za-z0-9._-] and replaces everything else with '_'.
// Leading dots are dropped so the result is never hidden or relative.
func SanitizeFilename(name string) (string, error) {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	sanitized := strings.TrimLeft(b.String(), ".")
	if sanitized == "" || strings.Trim(sanitized, "_") == "" {
		return "", fmt.Errorf("%w: filename %q has no usable characters", ErrInvalidPath, name)
	}
	return sanitized, nil
}

// ResolveFolder normalizes folder and checks it against the allowed patterns.
func ResolveFolder(folder string, allowed []string) (string, error) {
	normalized, err := NormalizeFolder(folder)
	if err != nil {
		return "", err
	}
	ok, err := folderAllowed(allowed, normalized)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: folder %q is not allowed", ErrInvalidPath, normalized)
	}
	return normalized, nil
}

// folderAllowed reports whether folder matches one of the doublestar patterns.
// No patterns means every folder is allowed.
func folderAllowed(patterns []string, folder string) (bool, error) {
	if len(patterns) == 0 {
		return true, nil
	}
	for _, pattern := range patterns {
		ok, err := doublestar.Match(pattern, folder)
		if err != nil {
			return false, fmt.Errorf("invalid folder pattern %q: %w", pattern, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
