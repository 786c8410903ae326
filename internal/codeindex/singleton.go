package codeindex

// FirstOrNone extracts the value of a field expected to occur once. It
// returns the first element, whether any element existed, and whether the
// list held more than one element so the caller can report the ambiguity.
func FirstOrNone[T any](list []T) (value T, ok bool, warned bool) {
	if len(list) == 0 {
		return value, false, false
	}
	return list[0], true, len(list) > 1
}
