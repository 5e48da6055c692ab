package permission

import "strings"

// Match reports whether value matches pattern. `*` matches any run of
// characters, `?` matches exactly one. A pattern ending in " *" also matches
// the bare prefix without trailing arguments, so "ls *" matches both "ls"
// and "ls -la".
func Match(pattern, value string) bool {
	if pattern == value {
		return true
	}
	if strings.HasSuffix(pattern, " *") && globMatch(strings.TrimSuffix(pattern, " *"), value) {
		return true
	}
	return globMatch(pattern, value)
}

// globMatch is an iterative glob matcher with single-star backtracking.
func globMatch(pattern, value string) bool {
	p, v := 0, 0
	star, backtrack := -1, 0

	for v < len(value) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == value[v]):
			p++
			v++
		case p < len(pattern) && pattern[p] == '*':
			star = p
			backtrack = v
			p++
		case star >= 0:
			p = star + 1
			backtrack++
			v = backtrack
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
