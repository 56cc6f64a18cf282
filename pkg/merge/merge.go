// Package merge implements the shallow merge rule used when applying partial
// updates to cached payloads.
package merge

// Patch returns a new map holding old with every field present in patch
// replacing the corresponding field. Fields absent from patch are preserved,
// and neither input is modified. A nil old behaves like an empty map, so a
// patch alone can bootstrap a value.
func Patch(old, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(old)+len(patch))
	for k, v := range old {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}
