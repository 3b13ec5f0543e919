package storage

import "errors"

// ErrNotFound is returned by any Get/lookup method when the requested
// row doesn't exist, mirroring the teacher's sql.ErrNoRows convention but
// kept backend-agnostic so callers don't import database/sql just to
// compare errors.
var ErrNotFound = errors.New("storage: not found")
