package credstore

import "errors"

// ErrNotFound is returned by Get when the key is absent from the store.
var ErrNotFound = errors.New("credstore: key not found")
