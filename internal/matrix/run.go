package matrix

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Outcome is the result of running one row.
type Outcome[T any] struct {
	Row   Row
	Value T
	Err   error
}

// Run calls fn once per row with at most parallel calls in flight and
// returns the outcomes in row order. A failing row does not stop the
// others; a panic is reported as that row's error. parallel <= 0 runs the
// rows one at a time.
func Run[T any](ctx context.Context, rows []Row, parallel int, fn func(ctx context.Context, row Row) (T, error)) []Outcome[T] {
	if parallel <= 0 {
		parallel = 1
	}

	out := make([]Outcome[T], len(rows))

	g := new(errgroup.Group)
	g.SetLimit(parallel)

	for i, row := range rows {
		out[i].Row = row

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				out[i].Err = err

				return nil
			}

			out[i].Value, out[i].Err = call(ctx, row, fn)

			return nil
		})
	}

	_ = g.Wait()

	return out
}

func call[T any](ctx context.Context, row Row, fn func(context.Context, Row) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("matrix row %v panicked: %v", row, r)
		}
	}()

	return fn(ctx, row)
}
