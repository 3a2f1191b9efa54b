// Package retry provides the serializable-transaction retry discipline: a
// closure is re-executed from scratch when, and only when, the store reports
// a serialization conflict.
package retry

import (
	"context"
	"errors"
	"fmt"

	"github.com/undiscoveredart/marketplace/internal/store"
)

// maxRetries bounds how many times a serialization-aborted transaction is
// re-executed after its first attempt.
const maxRetries = 3

// ErrConflict is returned when every attempt aborted on a serialization
// conflict. Callers should surface it as "try again".
var ErrConflict = errors.New("transaction conflict, try again")

// Serializable runs fn inside a serializable transaction via runner,
// retrying from scratch on the store's serialization sentinel. Domain errors
// returned by fn abort the transaction and are returned immediately without
// retry.
func Serializable(ctx context.Context, runner store.TxRunner, fn func(tx store.Tx) error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = runner.RunSerializable(ctx, fn)
		if err == nil || !errors.Is(err, store.ErrSerialization) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrConflict, err)
}
