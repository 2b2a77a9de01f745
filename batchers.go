package etl

// Batcher splits rows into groups that are written with one statement each.
//
// The loader combines a weight limit (bind parameters per statement) with an
// optional row limit:
//
//	batcher := etl.CombineBatchers(
//	    etl.WeightedBatcher(func([]any) int { return len(columns) }, etl.MaxBindParams),
//	    etl.SizeBatcher[[]any](1000),
//	)
type Batcher[T any] interface {
	// Batch groups items into batches for loading.
	Batch(items []T) [][]T
}

// BatcherFunc adapts a plain function to the [Batcher] interface.
type BatcherFunc[T any] func(items []T) [][]T

func (f BatcherFunc[T]) Batch(items []T) [][]T {
	return f(items)
}

// SizeBatcher caps a statement at maxSize rows.
func SizeBatcher[T any](maxSize int) Batcher[T] {
	return BatcherFunc[T](func(items []T) [][]T {
		if len(items) == 0 || maxSize <= 0 {
			return nil
		}
		return chunk(items, maxSize)
	})
}

// WeightedBatcher keeps the summed weight of a statement's rows at or under
// maxWeight. The loader weighs a row by its bind parameters. A row heavier
// than maxWeight is written on its own.
func WeightedBatcher[T any](weigher func(T) int, maxWeight int) Batcher[T] {
	return BatcherFunc[T](func(items []T) [][]T {
		if len(items) == 0 || maxWeight <= 0 {
			return nil
		}

		var (
			out    [][]T
			stmt   []T
			weight int
		)
		for _, row := range items {
			w := weigher(row)
			if len(stmt) > 0 && weight+w > maxWeight {
				out = append(out, stmt)
				stmt, weight = nil, 0
			}
			stmt = append(stmt, row)
			weight += w
		}
		if len(stmt) > 0 {
			out = append(out, stmt)
		}
		return out
	})
}

// CombineBatchers applies the limits in turn, each splitting the groups of
// the previous one. Row order is kept.
func CombineBatchers[T any](batchers ...Batcher[T]) Batcher[T] {
	return BatcherFunc[T](func(items []T) [][]T {
		if len(items) == 0 {
			return nil
		}
		groups := [][]T{items}
		for _, b := range batchers {
			var next [][]T
			for _, g := range groups {
				next = append(next, b.Batch(g)...)
			}
			groups = next
		}
		return groups
	})
}

func chunk[T any](rows []T, size int) [][]T {
	out := make([][]T, 0, (len(rows)+size-1)/size)
	for i := 0; i < len(rows); i += size {
		out = append(out, rows[i:min(i+size, len(rows))])
	}
	return out
}
