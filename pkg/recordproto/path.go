package recordproto

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPath is returned for paths that cannot address a record value.
var ErrInvalidPath = errors.New("recordproto: invalid path")

// reserved characters have a meaning in gjson/sjson path syntax or in the
// framing and are rejected inside path segments.
const reserved = "*?|#@!=<>%\\\":\x1e\x1f"

// Path addresses a value inside a record. The empty Path is the record root.
type Path []string

// ParsePath accepts dotted ("a.b.0"), slashed ("/a/b/0") and bracketed
// ("a.b[0]") forms. The empty string is the root.
func ParsePath(s string) (Path, error) {
	s = strings.TrimPrefix(s, "/")
	if s == "" {
		return nil, nil
	}
	var (
		path Path
		seg  strings.Builder
		// closed is set right after "]" so that "a[0].b" does not produce an
		// empty segment for the dot.
		closed bool
	)
	flush := func() error {
		if seg.Len() == 0 {
			if closed {
				closed = false
				return nil
			}
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, s)
		}
		path = append(path, seg.String())
		seg.Reset()
		closed = false
		return nil
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '.' || c == '/':
			if err := flush(); err != nil {
				return nil, err
			}
		case c == '[':
			if seg.Len() > 0 {
				if err := flush(); err != nil {
					return nil, err
				}
			}
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("%w: unclosed bracket in %q", ErrInvalidPath, s)
			}
			index := s[i+1 : i+end]
			if !isIndex(index) {
				return nil, fmt.Errorf("%w: bad index %q in %q", ErrInvalidPath, index, s)
			}
			path = append(path, index)
			closed = true
			i += end
		case c == ']' || strings.IndexByte(reserved, c) >= 0:
			return nil, fmt.Errorf("%w: reserved character %q in %q", ErrInvalidPath, c, s)
		default:
			if closed {
				return nil, fmt.Errorf("%w: missing separator after index in %q", ErrInvalidPath, s)
			}
			seg.WriteByte(c)
		}
	}
	if seg.Len() > 0 || !closed {
		if err := flush(); err != nil {
			return nil, err
		}
	}
	return path, nil
}

// MustParsePath is ParsePath for constant paths.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// ParsePointer converts an RFC 6901 JSON pointer into a Path.
func ParsePointer(ptr string) Path {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return nil
	}
	parts := strings.Split(ptr, "/")
	path := make(Path, len(parts))
	for i, part := range parts {
		part = strings.ReplaceAll(part, "~1", "/")
		path[i] = strings.ReplaceAll(part, "~0", "~")
	}
	return path
}

// IsRoot reports whether p addresses the whole record.
func (p Path) IsRoot() bool { return len(p) == 0 }

// String returns the canonical dotted form, used as the wire path and as the
// subscription key.
func (p Path) String() string { return strings.Join(p, ".") }

// Query returns p in gjson/sjson path syntax.
func (p Path) Query() string { return strings.Join(p, ".") }

// Pointer returns p as an RFC 6901 JSON pointer.
func (p Path) Pointer() string {
	if p.IsRoot() {
		return ""
	}
	var b strings.Builder
	for _, seg := range p {
		b.WriteByte('/')
		seg = strings.ReplaceAll(seg, "~", "~0")
		b.WriteString(strings.ReplaceAll(seg, "/", "~1"))
	}
	return b.String()
}

// Overlaps reports whether one path is a prefix of the other, i.e. whether a
// change at one can alter the value seen at the other.
func (p Path) Overlaps(q Path) bool {
	n := min(len(p), len(q))
	for i := 0; i < n; i++ {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
