package repository

import (
	"context"
	"errors"
)

// MaxConflictRetries は楽観的排他制御で競合した場合の最大試行回数。
const MaxConflictRetries = 3

// ErrVersionConflict は最大試行回数を超えて競合し続けた場合に返される。
var ErrVersionConflict = errors.New("version conflict: retries exhausted")

// RetryOnConflict はfnがfalse（競合）を返す間、最大MaxConflictRetries回まで再試行する。
// fnは呼び出しごとに行を読み直してから書き込むこと。
func RetryOnConflict(ctx context.Context, fn func(ctx context.Context) (bool, error)) error {
	for attempt := 0; attempt < MaxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := fn(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ErrVersionConflict
}
