// Package locator resolves which report bundle a consuming stage should use.
package locator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is matched by NotFoundError.
var ErrNotFound = errors.New("no report bundle found")

// NotFoundError names the search root that held no eligible bundle.
type NotFoundError struct {
	Root string
	ID   string
}

func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("no report bundle %q and no fallback in %s", e.ID, e.Root)
	}
	return fmt.Sprintf("no report bundles in %s", e.Root)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Ref points at a resolved bundle directory.
type Ref struct {
	ID  string
	Dir string
	// Fallback is set when the newest bundle was chosen because the explicit
	// id was empty or did not exist.
	Fallback bool
}

// Resolve returns searchRoot/explicitID when it is an existing directory,
// otherwise the subdirectory of searchRoot with the greatest name.
// Hidden directories (staging areas) are never eligible.
func Resolve(explicitID, searchRoot string) (Ref, error) {
	if id := cleanID(explicitID); id != "" {
		dir := filepath.Join(searchRoot, id)
		if isDir(dir) {
			return Ref{ID: id, Dir: dir}, nil
		}
	}
	ids, err := List(searchRoot)
	if err != nil {
		return Ref{}, err
	}
	if len(ids) == 0 {
		return Ref{}, &NotFoundError{Root: searchRoot, ID: strings.TrimSpace(explicitID)}
	}
	return Ref{ID: ids[0], Dir: filepath.Join(searchRoot, ids[0]), Fallback: true}, nil
}

// List returns the eligible bundle ids under searchRoot, newest first.
// A missing root yields no ids.
func List(searchRoot string) ([]string, error) {
	entries, err := os.ReadDir(searchRoot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", searchRoot, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		// Stat follows symlinks so a linked bundle directory counts.
		if !isDir(filepath.Join(searchRoot, name)) {
			continue
		}
		ids = append(ids, name)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

// cleanID accepts a bare id or a path ending in one.
func cleanID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	id = filepath.Base(filepath.Clean(id))
	if id == "." || id == ".." || id == string(filepath.Separator) {
		return ""
	}
	return id
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
