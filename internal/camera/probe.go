package camera

import (
	"context"

	"go.uber.org/multierr"
)

// Probe opens indices 0..limit-1 in order and returns the ones that opened.
// Probing stops at the first index that fails, so the result is always
// [0, k). Each probed device is closed before the next is tried.
func Probe(ctx context.Context, opener Opener, limit, width, height int) ([]int, error) {
	available := make([]int, 0, limit)
	var closeErr error
	for i := 0; i < limit; i++ {
		if ctx.Err() != nil {
			return available, ctx.Err()
		}
		src, err := opener.Open(ctx, i, width, height)
		if err != nil {
			break
		}
		closeErr = multierr.Append(closeErr, src.Close())
		available = append(available, i)
	}
	return available, closeErr
}
