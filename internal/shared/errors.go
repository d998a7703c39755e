package shared

import "errors"

// ErrNotFound indicates resource not found. Domain packages wrap it in
// their own sentinels so callers can match either layer.
var ErrNotFound = errors.New("not found")
