package payload

// MergePatch applies a merge-patch style patch onto an existing payload and
// returns the merged document. Neither input is mutated.
//
// For each key in patch: when both sides hold objects the merge recurses,
// otherwise the patch value replaces the existing value outright. Arrays are
// replaced wholesale, never merged element-wise.
func MergePatch(existing, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(existing)+len(patch))
	for key, value := range existing {
		merged[key] = value
	}

	for key, patchValue := range patch {
		existingObj, existingIsObj := merged[key].(map[string]any)
		patchObj, patchIsObj := patchValue.(map[string]any)
		if existingIsObj && patchIsObj {
			merged[key] = MergePatch(existingObj, patchObj)
			continue
		}
		merged[key] = patchValue
	}
	return merged
}

// Clone deep-copies a payload document so stores and callers never share
// mutable state.
func Clone(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc))
	for key, value := range doc {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return Clone(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
