package entity

import "context"

// Retry runs fn until it returns something other than a conflict, or until
// attempts runs out. The last conflict is returned when every attempt lost.
func Retry(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for range attempts {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = fn(ctx); !IsConflict(err) {
			return err
		}
	}
	return err
}
