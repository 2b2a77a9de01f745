package etl

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Batch is an ordered, column-homogeneous table of rows flowing between
// pipeline stages. Each row holds one value per column, in column order.
//
// A Batch is owned by the stage currently processing it. Stages that reshape
// a batch work on a Clone so the caller's copy is never mutated.
type Batch struct {
	// Entity names the table the rows belong to (source or target, depending
	// on the stage that produced the batch).
	Entity  string
	Columns []string
	Rows    [][]any
}

// NewBatch creates an empty batch with the given columns.
func NewBatch(entity string, columns ...string) *Batch {
	return &Batch{Entity: entity, Columns: slices.Clone(columns)}
}

// Len returns the number of rows. A nil batch has zero rows.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// Index returns the position of col, or -1 if the batch has no such column.
func (b *Batch) Index(col string) int {
	return slices.Index(b.Columns, col)
}

// Has reports whether the batch has the column.
func (b *Batch) Has(col string) bool {
	return b.Index(col) >= 0
}

// Append adds a row. The number of values must match the number of columns.
func (b *Batch) Append(values ...any) error {
	if len(values) != len(b.Columns) {
		return fmt.Errorf("batch %s: row has %d values, want %d", b.Entity, len(values), len(b.Columns))
	}
	b.Rows = append(b.Rows, slices.Clone(values))
	return nil
}

// Value returns the value of col in row i, or nil if the column is absent.
func (b *Batch) Value(i int, col string) any {
	idx := b.Index(col)
	if idx < 0 {
		return nil
	}
	return b.Rows[i][idx]
}

// Clone returns a deep copy of the batch structure. Row values are copied
// by assignment.
func (b *Batch) Clone() *Batch {
	if b == nil {
		return nil
	}
	out := &Batch{
		Entity:  b.Entity,
		Columns: slices.Clone(b.Columns),
		Rows:    make([][]any, len(b.Rows)),
	}
	for i, row := range b.Rows {
		out.Rows[i] = slices.Clone(row)
	}
	return out
}

// Require returns an error naming every column in cols that the batch lacks.
func (b *Batch) Require(cols ...string) error {
	var missing []string
	for _, c := range cols {
		if !b.Has(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("batch %s: missing columns %s", b.Entity, strings.Join(missing, ", "))
	}
	return nil
}

// Rename renames columns using an explicit from→to mapping. Every source
// column must exist, and the result must not contain duplicate names.
func (b *Batch) Rename(mapping map[string]string) error {
	from := make([]string, 0, len(mapping))
	for k := range mapping {
		from = append(from, k)
	}
	slices.Sort(from)
	if err := b.Require(from...); err != nil {
		return err
	}

	renamed := slices.Clone(b.Columns)
	for i, c := range renamed {
		if to, ok := mapping[c]; ok {
			renamed[i] = to
		}
	}
	seen := make(map[string]struct{}, len(renamed))
	for _, c := range renamed {
		if _, dup := seen[c]; dup {
			return fmt.Errorf("batch %s: rename produces duplicate column %q", b.Entity, c)
		}
		seen[c] = struct{}{}
	}
	b.Columns = renamed
	return nil
}

// Filter keeps the rows for which keep returns true and returns the removed
// rows in their original order.
func (b *Batch) Filter(keep func(row []any) bool) [][]any {
	var removed [][]any
	kept := b.Rows[:0]
	for _, row := range b.Rows {
		if keep(row) {
			kept = append(kept, row)
		} else {
			removed = append(removed, row)
		}
	}
	clear(b.Rows[len(kept):])
	b.Rows = kept
	return removed
}

// SetColumn computes col for every row, appending the column if it does not
// exist yet. The first error aborts the computation; rows already visited
// keep their new values.
func (b *Batch) SetColumn(col string, fn func(row []any) (any, error)) error {
	idx := b.Index(col)
	if idx < 0 {
		b.Columns = append(b.Columns, col)
		for i := range b.Rows {
			b.Rows[i] = append(b.Rows[i], nil)
		}
		idx = len(b.Columns) - 1
	}
	for i, row := range b.Rows {
		v, err := fn(row)
		if err != nil {
			return fmt.Errorf("batch %s: row %d column %s: %w", b.Entity, i, col, err)
		}
		row[idx] = v
	}
	return nil
}

// DropColumns removes the named columns. Unknown names are ignored.
func (b *Batch) DropColumns(cols ...string) {
	var drop []int
	for _, c := range cols {
		if idx := b.Index(c); idx >= 0 {
			drop = append(drop, idx)
		}
	}
	if len(drop) == 0 {
		return
	}
	keep := func(i int) bool { return !slices.Contains(drop, i) }

	columns := make([]string, 0, len(b.Columns)-len(drop))
	for i, c := range b.Columns {
		if keep(i) {
			columns = append(columns, c)
		}
	}
	for r, row := range b.Rows {
		out := make([]any, 0, len(columns))
		for i, v := range row {
			if keep(i) {
				out = append(out, v)
			}
		}
		b.Rows[r] = out
	}
	b.Columns = columns
}

// DedupeLast keeps one row per value of col: the last occurrence, at the
// position of the first. Rows whose key is null are left untouched. It
// returns the number of rows removed.
func (b *Batch) DedupeLast(col string) int {
	idx := b.Index(col)
	if idx < 0 {
		return 0
	}
	pos := make(map[string]int, len(b.Rows))
	out := b.Rows[:0]
	for _, row := range b.Rows {
		key, ok := KeyOf(row[idx])
		if !ok {
			out = append(out, row)
			continue
		}
		if at, seen := pos[key]; seen {
			out[at] = row
			continue
		}
		pos[key] = len(out)
		out = append(out, row)
	}
	removed := len(b.Rows) - len(out)
	clear(b.Rows[len(out):])
	b.Rows = out
	return removed
}

// IsNull reports whether v represents a missing value.
func IsNull(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []byte:
		return strings.TrimSpace(string(x)) == ""
	default:
		return false
	}
}

// KeyOf returns the canonical string form of a natural key so that keys
// read from different stores compare equal: the spreadsheet yields "7"
// where the database yields int64(7). It returns false for null keys.
func KeyOf(v any) (string, bool) {
	if IsNull(v) {
		return "", false
	}
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x), true
	case []byte:
		return strings.TrimSpace(string(x)), true
	case int:
		return strconv.Itoa(x), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10), true
		}
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), true
	default:
		return fmt.Sprint(x), true
	}
}
