package utils

import (
	"maps"
	"slices"
)

// MergeEnv merges environment maps. Later maps take precedence and empty
// values are dropped.
func MergeEnv(mm ...map[string]string) map[string]string {
	merged := map[string]string{}
	for _, m := range mm {
		maps.Copy(merged, m)
	}
	maps.DeleteFunc(merged, func(_, v string) bool { return v == "" })
	return merged
}

// SortedKeys returns the keys of m in order, for stable output
func SortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
