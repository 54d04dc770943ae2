//go:build !gocv

package stream

import (
	"context"
	"fmt"
)

// openVideo is unavailable without the gocv build tag; only http(s)
// snapshot cameras can be opened.
func openVideo(_ context.Context, p Profile) (Capturer, error) {
	return nil, fmt.Errorf("%w: %s: built without gocv (rebuild with -tags gocv)", ErrUnopenable, p.Address())
}
