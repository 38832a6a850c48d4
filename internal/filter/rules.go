// Package filter decides which source paths a run leaves out. Rules are
// rsync-style globs evaluated in the order they were added; the first rule
// that matches a path decides it, and unmatched paths are kept.
package filter

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
)

type rule struct {
	glob    *glob
	include bool
}

// Rules is an ordered list of include and exclude globs. The zero value
// keeps everything.
type Rules struct {
	rules []rule
}

// Exclude appends a rule that leaves matching paths out.
func (r *Rules) Exclude(pattern string) error {
	return r.add(pattern, false)
}

// Include appends a rule that keeps matching paths even when a later rule
// would exclude them.
func (r *Rules) Include(pattern string) error {
	return r.add(pattern, true)
}

func (r *Rules) add(pattern string, include bool) error {
	g, err := compileGlob(pattern)
	if err != nil {
		return fmt.Errorf("pattern %q: %w", pattern, err)
	}
	r.rules = append(r.rules, rule{glob: g, include: include})
	return nil
}

// Len returns the number of rules.
func (r *Rules) Len() int {
	if r == nil {
		return 0
	}
	return len(r.rules)
}

// Skip reports whether relPath, a slash-separated path relative to the
// source root, should be left out. An excluded directory is not descended.
func (r *Rules) Skip(relPath string, isDir bool) bool {
	if r == nil {
		return false
	}
	for _, ru := range r.rules {
		if ru.glob.match(relPath, isDir) {
			return !ru.include
		}
	}
	return false
}

// Parse reads rules one per line: "- pattern" excludes, "+ pattern"
// includes, a bare pattern excludes. Blank lines and lines starting with #
// are ignored. name labels errors.
func (r *Rules) Parse(in io.Reader, name string) error {
	sc := bufio.NewScanner(in)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var err error
		switch {
		case strings.HasPrefix(line, "+ "):
			err = r.Include(strings.TrimSpace(line[2:]))
		case strings.HasPrefix(line, "- "):
			err = r.Exclude(strings.TrimSpace(line[2:]))
		default:
			err = r.Exclude(line)
		}
		if err != nil {
			return fmt.Errorf("%s line %d: %w", name, n, err)
		}
	}
	return sc.Err()
}

// LoadFile parses the rule file at path.
func (r *Rules) LoadFile(fs afero.Fs, path string) error {
	f, err := fs.Open(path)
	if err != nil {
		return fmt.Errorf("open filter file: %w", err)
	}
	defer f.Close()
	return r.Parse(f, path)
}
