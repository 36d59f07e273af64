// Package monitoring holds the shared diagnostic logger used by packages
// that do not own a dedicated log stream (config reloads, storage).
package monitoring

import (
	"io"
	"log"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetWriter routes Logf to w with the standard timestamp flags used by the
// pipeline log streams. A nil writer mutes the logger.
func SetWriter(w io.Writer) {
	if w == nil {
		SetLogger(nil)
		return
	}
	l := log.New(w, "", log.LstdFlags|log.Lmicroseconds)
	SetLogger(l.Printf)
}
