package filter

import (
	"regexp"
	"strings"
)

// glob is one compiled pattern. A trailing / restricts it to directories.
// A pattern containing / is anchored at the source root; otherwise it
// matches the final path component at any depth.
type glob struct {
	re      *regexp.Regexp
	dirOnly bool
}

func compileGlob(pattern string) (*glob, error) {
	g := &glob{}
	if strings.HasSuffix(pattern, "/") {
		g.dirOnly = true
		pattern = strings.TrimSuffix(pattern, "/")
	}
	anchored := strings.Contains(pattern, "/")
	pattern = strings.TrimPrefix(pattern, "/")

	expr := translate(pattern) + "$"
	if anchored {
		expr = "^" + expr
	} else {
		expr = "(^|/)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	g.re = re
	return g, nil
}

func (g *glob) match(relPath string, isDir bool) bool {
	if g.dirOnly && !isDir {
		return false
	}
	return g.re.MatchString(relPath)
}

// translate turns glob syntax into a regular expression: * stays within a
// component, ** crosses components, ? is one character and [...] is a
// class with ! for negation.
func translate(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			switch {
			case strings.HasPrefix(pattern[i:], "**/"):
				b.WriteString("(.*/)?")
				i += 2
			case strings.HasPrefix(pattern[i:], "**"):
				b.WriteString(".*")
				i++
			default:
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		case '[':
			end := classEnd(pattern, i)
			if end < 0 {
				b.WriteString(`\[`)
				continue
			}
			class := pattern[i+1 : end]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + class + "]")
			i = end
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return b.String()
}

// classEnd returns the index of the ] closing the class opened at start,
// or -1. A ] right after [ or [! is a literal member.
func classEnd(pattern string, start int) int {
	j := start + 1
	if j < len(pattern) && pattern[j] == '!' {
		j++
	}
	if j < len(pattern) && pattern[j] == ']' {
		j++
	}
	for ; j < len(pattern); j++ {
		if pattern[j] == ']' {
			return j
		}
	}
	return -1
}
