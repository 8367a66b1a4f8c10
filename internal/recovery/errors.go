package recovery

import "errors"

// ErrCorrupted marks a recovery failure that the engine should surface as
// the CORRUPTION error kind: an SST footer failed validation, or the WAL
// contained an interior checksum failure rather than a clean torn tail.
var ErrCorrupted = errors.New("recovery: corrupted on-disk state")
