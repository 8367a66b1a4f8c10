package sstio

import "errors"

// ErrCorrupt marks a bad magic/version, a footer checksum failure, or any
// other structural violation of the SST format. Surfaced by
// the engine as the CORRUPTION error kind.
var ErrCorrupt = errors.New("sstio: corrupt SST")

// ErrNotFound is not returned by Reader.Get, which reports an absent key
// through its bool result.
var ErrNotFound = errors.New("sstio: key not found")
