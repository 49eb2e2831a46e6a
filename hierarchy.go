package dictcache

import "context"

// MaxHierarchyDepth bounds ancestor traversal so a corrupt or cyclic parent
// chain cannot loop forever.
const MaxHierarchyDepth = 1000

// ToParent resolves each key's hierarchical-attribute value (spec.md §4.I).
// It fails with ErrUnsupportedOperation if the schema declares no
// hierarchical attribute or uses complex keys.
func (c *Cache) ToParent(ctx context.Context, keys []any) ([]uint64, error) {
	if c.schema.KeyShape == KeyShapeComplex || c.schema.HierarchicalIndex() < 0 {
		return nil, ErrUnsupportedOperation
	}
	cols, err := c.GetColumns(ctx, keys, []string{c.schema.HierarchicalAttributeName()}, nil)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, len(keys))
	for i, v := range cols[0] {
		if v == nil {
			continue
		}
		out[i] = v.(uint64)
	}
	return out, nil
}

// IsAncestor reports whether ancestor appears in descendant's parent chain,
// walking ToParent up to MaxHierarchyDepth times. It stops and returns
// false if the chain reaches 0 (no parent) or revisits a node already
// seen, which signals a cycle rather than a legitimate chain.
func (c *Cache) IsAncestor(ctx context.Context, ancestor, descendant uint64) (bool, error) {
	seen := make(map[uint64]bool)
	current := descendant
	for depth := 0; depth < MaxHierarchyDepth; depth++ {
		if current == ancestor {
			return true, nil
		}
		if current == 0 || seen[current] {
			return false, nil
		}
		seen[current] = true
		parents, err := c.ToParent(ctx, []any{SimpleKey(current)})
		if err != nil {
			return false, err
		}
		current = parents[0]
	}
	return false, nil
}

// AncestorsOf returns key's full parent chain, starting with its immediate
// parent, stopping at a 0 parent, MaxHierarchyDepth entries, or a detected
// cycle.
func (c *Cache) AncestorsOf(ctx context.Context, key uint64) ([]uint64, error) {
	var chain []uint64
	current := key
	for depth := 0; depth < MaxHierarchyDepth; depth++ {
		parents, err := c.ToParent(ctx, []any{SimpleKey(current)})
		if err != nil {
			return chain, err
		}
		parent := parents[0]
		if parent == 0 {
			return chain, nil
		}
		for _, seen := range chain {
			if seen == parent {
				return chain, nil // cycle
			}
		}
		chain = append(chain, parent)
		current = parent
	}
	return chain, nil
}
