package evo

import "sort"

// SelectTop returns the indices of the k highest scores, best first.
// Ties keep the earliest index, so an unmutated seed at a lower index wins
// against an equally scored mutation.
func SelectTop(scores []float64, k int) []int {
	if k > len(scores) {
		k = len(scores)
	}
	if k <= 0 {
		return nil
	}

	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}

	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})

	return idx[:k]
}
