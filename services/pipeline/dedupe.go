package pipeline

// Deduplicate collapses items sharing an identity hash down to the
// first occurrence, preserving input order. Single pass, O(n) over the
// batch.
//
// An item with no hash at all aborts the whole batch with an
// IdentityError instead of producing partial output, since it means
// extraction is broken upstream.
func Deduplicate(items []Item) ([]Item, error) {
	seen := make(map[string]struct{}, len(items))
	out := make([]Item, 0, len(items))

	for i, item := range items {
		if item.Hash == "" {
			return nil, &IdentityError{Index: i}
		}
		if _, dup := seen[item.Hash]; dup {
			continue
		}
		seen[item.Hash] = struct{}{}
		out = append(out, item)
	}

	return out, nil
}
