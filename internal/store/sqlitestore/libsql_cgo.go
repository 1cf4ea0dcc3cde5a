//go:build cgo

package sqlitestore

// The libsql driver is cgo-only; registering it here keeps nocgo
// builds compiling while cgo builds retain libsql:// support.
import (
	_ "github.com/tursodatabase/go-libsql"
)
