package builder

// Partition splits keys into min(n, len(keys)) contiguous, disjoint groups
// whose sizes differ by at most one. Earlier groups take the remainder.
func Partition(keys []any, n int) [][]any {
	if n < 1 || len(keys) == 0 {
		return nil
	}
	if n > len(keys) {
		n = len(keys)
	}
	size, extra := len(keys)/n, len(keys)%n

	groups := make([][]any, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		end := start + size
		if i < extra {
			end++
		}
		group := make([]any, end-start)
		copy(group, keys[start:end])
		groups = append(groups, group)
		start = end
	}
	return groups
}
