package callcore

// StringSet represents a mathematical set of string.
type StringSet map[string]struct{}

// NewStringSet returns a new string set from the given series of values
// where duplicates are okay.
func NewStringSet(values ...string) StringSet {
	set := make(StringSet, len(values))
	for _, val := range values {
		set[val] = struct{}{}
	}
	return set
}

// Has reports whether the value is in the set.
func (s StringSet) Has(value string) bool {
	_, ok := s[value]
	return ok
}

// Dedupe returns the values that are members of the set, in their original order
// and with duplicates removed.
func (s StringSet) Dedupe(values []string) []string {
	seen := make(StringSet, len(values))
	out := make([]string, 0, len(values))
	for _, val := range values {
		if !s.Has(val) || seen.Has(val) {
			continue
		}
		seen[val] = struct{}{}
		out = append(out, val)
	}
	return out
}

// StringSliceRemove removes every occurrence of value from the slice, returning a new slice.
func StringSliceRemove(from []string, value string) []string {
	out := make([]string, 0, len(from))
	for _, v := range from {
		if v != value {
			out = append(out, v)
		}
	}
	return out
}
