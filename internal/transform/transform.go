// Package transform turns staging batches into warehouse dimension and fact
// batches.
//
// Every transform is a pure function of its input: the primary batch is
// cloned before it is reshaped, reference batches are only read, and rows
// keep their extraction order. Rows dropped for a missing mandatory field or
// reference are returned in Transformed.Rejected with a reject_reason column.
package transform

import (
	"context"
	"fmt"
	"slices"

	etl "github.com/paccafe/retail-etl"
)

// RejectReason is the extra column of a rejected batch.
const RejectReason = "reject_reason"

// Func transforms one staging batch.
type Func func(in etl.Input) (etl.Transformed, error)

// Transform adapts f to the etl.Transformer interface.
func (f Func) Transform(_ context.Context, in etl.Input) (etl.Transformed, error) {
	return f(in)
}

// Ref describes a reference a transform resolves against a dimension.
type Ref struct {
	// Table is the key of the reference batch in etl.Input.Refs.
	Table string

	// Column is the column of the primary batch holding the join key and
	// Key is the matching column of the reference batch.
	Column string
	Key    string

	// Value is the reference column written to the primary batch under
	// the same name.
	Value string

	// Mandatory references drop the row when they do not resolve; optional
	// ones write NULL.
	Mandatory bool
}

// rejects collects dropped rows with the columns the batch had when the
// collector was created.
type rejects struct {
	columns []string
	rows    [][]any
	entity  string
}

func newRejects(b *etl.Batch) *rejects {
	return &rejects{entity: b.Entity, columns: slices.Clone(b.Columns)}
}

func (r *rejects) add(row []any, reason string) {
	out := make([]any, 0, len(r.columns)+1)
	out = append(out, row[:len(r.columns)]...)
	r.rows = append(r.rows, append(out, reason))
}

func (r *rejects) batch() *etl.Batch {
	if len(r.rows) == 0 {
		return nil
	}
	return &etl.Batch{
		Entity:  r.entity,
		Columns: append(slices.Clone(r.columns), RejectReason),
		Rows:    r.rows,
	}
}

// table is the working state of one transform.
type table struct {
	out *etl.Batch
	rej *rejects
}

// begin clones the primary batch as target and applies the rename map.
func begin(in etl.Input, target string, rename map[string]string, required ...string) (*table, error) {
	if in.Primary == nil {
		return nil, fmt.Errorf("%w: %s: no input batch", etl.ErrTransform, target)
	}
	out := in.Primary.Clone()
	if err := out.Rename(rename); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", etl.ErrTransform, target, err)
	}
	if err := out.Require(required...); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", etl.ErrTransform, target, err)
	}
	out.Entity = target
	return &table{out: out, rej: newRejects(out)}, nil
}

// requireValues drops rows with a null value in any of cols.
func (t *table) requireValues(cols ...string) {
	idx := make([]int, len(cols))
	for i, c := range cols {
		idx[i] = t.out.Index(c)
	}
	t.out.Filter(func(row []any) bool {
		for i, at := range idx {
			if etl.IsNull(row[at]) {
				t.rej.add(row, "missing "+cols[i])
				return false
			}
		}
		return true
	})
}

// reject drops rows for which reason returns a non-empty string.
func (t *table) reject(reason func(row []any) string) {
	t.out.Filter(func(row []any) bool {
		if why := reason(row); why != "" {
			t.rej.add(row, why)
			return false
		}
		return true
	})
}

// resolve looks up ref for every row. Mandatory misses are rejected first,
// then the resolved values are written to ref.Value.
func (t *table) resolve(in etl.Input, ref Ref) error {
	ix, err := NewKeyIndex(in.Refs[ref.Table], ref.Key, ref.Value)
	if err != nil {
		return fmt.Errorf("%s: reference %s: %w", t.out.Entity, ref.Table, err)
	}
	col := t.out.Index(ref.Column)

	if ref.Mandatory {
		t.reject(func(row []any) string {
			if _, res := ix.Resolve(row[col]); res != Resolved {
				return fmt.Sprintf("%s %s", res, ref.Column)
			}
			return ""
		})
	}
	return t.out.SetColumn(ref.Value, func(row []any) (any, error) {
		v, _ := ix.Resolve(row[col])
		return v, nil
	})
}

// apply replaces the value of each of cols with fn(value).
func (t *table) apply(fn func(any) (any, error), cols ...string) error {
	for _, c := range cols {
		at := t.out.Index(c)
		if err := t.out.SetColumn(c, func(row []any) (any, error) {
			return fn(row[at])
		}); err != nil {
			return fmt.Errorf("%s: %w", t.out.Entity, err)
		}
	}
	return nil
}

func (t *table) result() etl.Transformed {
	return etl.Transformed{Batch: t.out, Rejected: t.rej.batch()}
}
