package payload

import "reflect"

// ComputeDiff produces a structural diff between two payloads. Keys only in
// new appear as {"added": v}, keys only in old as {"removed": v}, changed
// scalars as {"from": old, "to": new}. Nested objects recurse into a nested
// diff map. Identical payloads produce an empty diff.
func ComputeDiff(old, new map[string]any) map[string]any {
	diff := map[string]any{}

	for key, newValue := range new {
		oldValue, existed := old[key]
		if !existed {
			diff[key] = map[string]any{"added": newValue}
			continue
		}

		oldObj, oldIsObj := oldValue.(map[string]any)
		newObj, newIsObj := newValue.(map[string]any)
		if oldIsObj && newIsObj {
			if sub := ComputeDiff(oldObj, newObj); len(sub) > 0 {
				diff[key] = sub
			}
			continue
		}

		if !reflect.DeepEqual(oldValue, newValue) {
			diff[key] = map[string]any{"from": oldValue, "to": newValue}
		}
	}

	for key, oldValue := range old {
		if _, stillThere := new[key]; !stillThere {
			diff[key] = map[string]any{"removed": oldValue}
		}
	}

	return diff
}
