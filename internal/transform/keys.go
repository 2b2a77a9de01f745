package transform

import (
	"fmt"

	etl "github.com/paccafe/retail-etl"
)

// Resolution is the result of looking up a key in a KeyIndex.
type Resolution int

const (
	Resolved  Resolution = iota
	NullKey              // The key to resolve is null
	Missing              // No reference row has the key
	Ambiguous            // Several reference rows have the key with different values
)

func (r Resolution) String() string {
	switch r {
	case Resolved:
		return "resolved"
	case NullKey:
		return "null"
	case Missing:
		return "unresolved"
	case Ambiguous:
		return "ambiguous"
	default:
		return fmt.Sprintf("resolution(%d)", int(r))
	}
}

// KeyIndex maps the join key of a reference batch to one of its columns.
// It is built once per reference batch and then queried per row.
type KeyIndex struct {
	table     string
	values    map[string]any
	ambiguous map[string]bool
}

// NewKeyIndex indexes ref by key, returning the value column for lookups.
// Rows with a null key are ignored. A key that appears more than once with
// different values resolves as Ambiguous.
func NewKeyIndex(ref *etl.Batch, key, value string) (*KeyIndex, error) {
	if ref == nil {
		return nil, fmt.Errorf("%w: reference batch is missing", etl.ErrTransform)
	}
	if err := ref.Require(key, value); err != nil {
		return nil, fmt.Errorf("%w: %w", etl.ErrTransform, err)
	}
	ki, vi := ref.Index(key), ref.Index(value)

	ix := &KeyIndex{
		table:     ref.Entity,
		values:    make(map[string]any, ref.Len()),
		ambiguous: make(map[string]bool),
	}
	for _, row := range ref.Rows {
		k, ok := etl.KeyOf(row[ki])
		if !ok {
			continue
		}
		v := row[vi]
		if prev, seen := ix.values[k]; seen {
			pk, _ := etl.KeyOf(prev)
			nk, _ := etl.KeyOf(v)
			if pk != nk {
				ix.ambiguous[k] = true
			}
			continue
		}
		ix.values[k] = v
	}
	return ix, nil
}

// Resolve returns the value indexed under key.
func (ix *KeyIndex) Resolve(key any) (any, Resolution) {
	k, ok := etl.KeyOf(key)
	if !ok {
		return nil, NullKey
	}
	if ix.ambiguous[k] {
		return nil, Ambiguous
	}
	v, ok := ix.values[k]
	if !ok {
		return nil, Missing
	}
	return v, Resolved
}

// Len returns the number of distinct keys.
func (ix *KeyIndex) Len() int { return len(ix.values) }
