package mergetree

// =============================================================================
// Merge
// =============================================================================

// Merge composes an overlay tree over a base tree and returns a new tree.
// Neither input is mutated.
//
// Merge policy:
//   - mapping over mapping: merged recursively, overlay wins on scalar
//     conflicts
//   - sequence over sequence: overlay replaces base (sequences are atomic)
//   - scalar over scalar: overlay replaces base
//   - key only in overlay: added; key only in base: retained
//   - any kind disagreement: ConflictError, never coerced
//
// Either input may be nil, in which case the other is returned (cloned).
func Merge(base, overlay *Node) (*Node, error) {
	return merge(base, overlay, "")
}

func merge(base, overlay *Node, path string) (*Node, error) {
	if overlay == nil {
		return base.Clone(), nil
	}
	if base == nil {
		return overlay.Clone(), nil
	}
	if base.Kind != overlay.Kind {
		return nil, &ConflictError{
			Path:        path,
			BaseKind:    base.Kind,
			OverlayKind: overlay.Kind,
			File:        overlay.File,
			Line:        overlay.Line,
		}
	}

	switch base.Kind {
	case KindScalar, KindSequence:
		return overlay.Clone(), nil
	case KindMapping:
		out := &Node{
			Kind:     KindMapping,
			Children: map[string]*Node{},
			File:     base.File,
			Line:     base.Line,
		}
		// Base keys first, in declaration order, then overlay-only keys.
		for _, key := range base.Keys {
			merged, err := merge(base.Children[key], overlay.Children[key], childPath(path, key))
			if err != nil {
				return nil, err
			}
			out.Set(key, merged)
		}
		for _, key := range overlay.Keys {
			if _, seen := base.Children[key]; seen {
				continue
			}
			out.Set(key, overlay.Children[key].Clone())
		}
		return out, nil
	default:
		return overlay.Clone(), nil
	}
}

func childPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
