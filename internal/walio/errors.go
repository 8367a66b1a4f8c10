package walio

import "errors"

// ErrCorrupt marks a WAL structural failure that is not a plain truncation:
// a bad magic, an unsupported version, or a complete record whose checksum
// does not verify. Callers surface this as the engine's CORRUPTION kind.
var ErrCorrupt = errors.New("walio: corrupt WAL")

// ErrClosed is returned by Append/Flush/Rotate once the WAL has been closed.
var ErrClosed = errors.New("walio: WAL is closed")
