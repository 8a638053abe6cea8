//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

// cgo build with the sqlite-vec extension auto-loaded for ANN search.
const (
	driverName   = "sqlite3"
	vecExtension = true
)

func init() {
	vec.Auto()
}
