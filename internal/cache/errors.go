package cache

import (
	"fmt"

	"github.com/jmgilman/go/errors"
)

var (
	// ErrPersistence marks failures reading or writing a storage backend.
	ErrPersistence = errors.New(errors.CodeDatabase, "cache persistence failure")
	// ErrInvalidValue marks values that cannot be serialized or decoded.
	ErrInvalidValue = errors.New(errors.CodeInvalidInput, "invalid cache value")
)

func persistenceError(op, key string, err error) error {
	return fmt.Errorf("%s %s: %w: %w", op, key, ErrPersistence, err)
}

func invalidValue(key string, err error) error {
	return fmt.Errorf("%s: %w: %w", key, ErrInvalidValue, err)
}
