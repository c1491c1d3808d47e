package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	bferrors "branchflow.dev/branchflow/internal/errors"
)

// retryExternal runs op with exponential backoff. Transient failures are
// retried up to maxRetries times after the initial attempt; validation,
// configuration and merge-conflict errors stop immediately. Each attempt gets
// its own timeout so one slow call never eats the whole retry budget.
// Returns the number of attempts made alongside the final error.
func retryExternal(ctx context.Context, maxRetries int, baseDelay, callTimeout time.Duration, op func(ctx context.Context) error) (int, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = baseDelay
	bo.RandomizationFactor = 0

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++

		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		err := op(callCtx)
		cancel()

		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxRetries)), ctx))

	return attempts, err
}

// isPermanent reports whether err must not be retried.
func isPermanent(err error) bool {
	if errors.Is(err, bferrors.ErrValidation) ||
		errors.Is(err, bferrors.ErrConfiguration) ||
		errors.Is(err, bferrors.ErrMergeConflict) {
		return true
	}
	var gitErr *bferrors.GitOperationError
	if errors.As(err, &gitErr) {
		return !gitErr.Transient
	}
	// Unclassified external failures (e.g. the hosting API) are retried.
	return false
}
