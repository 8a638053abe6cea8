//go:build !(sqlite_vec && cgo)

package store

import (
	_ "modernc.org/sqlite"
)

// Pure-Go build: brute-force vector scans instead of ANN.
const (
	driverName   = "sqlite"
	vecExtension = false
)
