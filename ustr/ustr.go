// Package ustr implements the raw, NUL-free path-component byte string used
// throughout the filesystem layer: no encoding beyond raw bytes, "." and
// ".." reserved, '/'-separated components.
package ustr

// Ustr is a raw path or path-component byte string.
type Ustr []uint8

/// MkUstr copies s into a fresh Ustr.
func MkUstr(s string) Ustr {
	b := make([]uint8, len(s))
	copy(b, s)
	return Ustr(b)
}

/// MkUstrSlice wraps an existing byte slice without copying.
func MkUstrSlice(b []uint8) Ustr {
	return Ustr(b)
}

/// MkUstrRoot returns the root path "/".
func MkUstrRoot() Ustr {
	return MkUstr("/")
}

/// MkUstrDot returns ".".
func MkUstrDot() Ustr {
	return MkUstr(".")
}

/// DotDot returns "..".
func DotDot() Ustr {
	return MkUstr("..")
}

/// Isdot reports whether u is exactly ".".
func (u Ustr) Isdot() bool {
	return len(u) == 1 && u[0] == '.'
}

/// Isdotdot reports whether u is exactly "..".
func (u Ustr) Isdotdot() bool {
	return len(u) == 2 && u[0] == '.' && u[1] == '.'
}

/// IsAbsolute reports whether u begins with '/'.
func (u Ustr) IsAbsolute() bool {
	return len(u) > 0 && u[0] == '/'
}

/// Eq reports byte-for-byte equality.
func (u Ustr) Eq(o Ustr) bool {
	if len(u) != len(o) {
		return false
	}
	for i := range u {
		if u[i] != o[i] {
			return false
		}
	}
	return true
}

/// IndexByte returns the index of the first occurrence of c, or -1.
func (u Ustr) IndexByte(c uint8) int {
	for i, b := range u {
		if b == c {
			return i
		}
	}
	return -1
}

/// Extend appends a '/'-separated component and returns the new path.
func (u Ustr) Extend(comp Ustr) Ustr {
	n := make(Ustr, 0, len(u)+1+len(comp))
	n = append(n, u...)
	if len(n) == 0 || n[len(n)-1] != '/' {
		n = append(n, '/')
	}
	n = append(n, comp...)
	return n
}

/// ExtendStr is Extend taking a Go string component.
func (u Ustr) ExtendStr(comp string) Ustr {
	return u.Extend(MkUstr(comp))
}

/// String renders u as a Go string for logging/diagnostics.
func (u Ustr) String() string {
	return string(u)
}

/// Components splits the path on '/', discarding empty components.
func (u Ustr) Components() []Ustr {
	var out []Ustr
	start := -1
	for i := 0; i <= len(u); i++ {
		if i == len(u) || u[i] == '/' {
			if start >= 0 {
				out = append(out, u[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	return out
}
