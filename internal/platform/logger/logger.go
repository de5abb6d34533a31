// Package logger builds the process logger the engine's services share.
package logger

import (
	"log"
	"os"
)

// New returns the engine's standard logger. Services receive it at
// construction; nothing in the engine logs through a package-level default.
func New() *log.Logger {
	return log.New(os.Stdout, "envelope ", log.LstdFlags|log.Lmsgprefix)
}
