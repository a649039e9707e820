package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicateOpenItem is returned when a review item is submitted for an
// entity that already has an open (pending) item. Recoverable: callers may
// treat it as success or escalate the existing item instead.
var ErrDuplicateOpenItem = errors.New("storage: open review item already exists for entity")
