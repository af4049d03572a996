package canonical

import (
	"bytes"
	"reflect"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// Change records a differing key between two metadata maps. A key missing
// on one side has a nil value there and the matching Present flag unset.
type Change struct {
	Old        any  `json:"old"`
	New        any  `json:"new"`
	OldPresent bool `json:"oldPresent"`
	NewPresent bool `json:"newPresent"`
}

// Equal reports whether a and b are equal as data.
func Equal(a, b any) bool {
	ab, errA := Marshal(a)
	bb, errB := Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return bytes.Equal(ab, bb)
}

// Diff reports every key of the union of old and new whose value differs
// or that is present on only one side.
func Diff(old, new Metadata) map[string]Change {
	keys := mapset.NewThreadUnsafeSet[string]()
	for k := range old {
		keys.Add(k)
	}
	for k := range new {
		keys.Add(k)
	}

	changes := make(map[string]Change)
	for _, k := range keys.ToSlice() {
		ov, inOld := old[k]
		nv, inNew := new[k]
		if inOld && inNew && Equal(ov, nv) {
			continue
		}
		changes[k] = Change{Old: ov, New: nv, OldPresent: inOld, NewPresent: inNew}
	}
	return changes
}

// SortedKeys returns the keys of a change set in ascending order.
func SortedKeys(changes map[string]Change) []string {
	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
