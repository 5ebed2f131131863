package tap

import (
	"errors"
	"fmt"
)

// Strategy is one way of achieving something, tried in order with other
// strategies by FirstSuccess.
type Strategy[T any] struct {
	Name string
	Try  func() (T, error)
}

// FirstSuccess runs strategies in order and returns the result and name of
// the first one that succeeds. If all fail, the returned error joins every
// failure, each prefixed with its strategy name.
func FirstSuccess[T any](strategies ...Strategy[T]) (T, string, error) {
	var zero T
	var errs []error
	for _, s := range strategies {
		v, err := s.Try()
		if err == nil {
			return v, s.Name, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
	}
	if len(errs) == 0 {
		return zero, "", errors.New("no strategies to try")
	}
	return zero, "", errors.Join(errs...)
}
