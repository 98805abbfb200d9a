// Package chk provides the sentinel-return error check used at nearly every
// fallible call site in this module: `if chk.E(err) { return }` logs the
// error at the named level and reports whether err was non-nil, collapsing
// the usual three-line `if err != nil { log...; return }` into one line.
package chk

import (
	"runtime"
	"strconv"

	"notify.dev/pkg/telemetry/log"
)

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	return file + ":" + strconv.Itoa(line)
}

// E logs err at error level (with its call site) and returns true if err is
// non-nil, false otherwise. The common pattern is:
//
//	if err = thing(); chk.E(err) {
//	    return
//	}
func E(err error) bool {
	if err == nil {
		return false
	}
	log.E.F("%s: %v", caller(3), err)
	return true
}

// W logs err at warn level and returns true if err is non-nil.
func W(err error) bool {
	if err == nil {
		return false
	}
	log.W.F("%s: %v", caller(3), err)
	return true
}

// D logs err at debug level and returns true if err is non-nil. Used on
// paths where failure is an expected, low-severity outcome (e.g. probing
// whether a value decodes as one of several formats).
func D(err error) bool {
	if err == nil {
		return false
	}
	log.D.F("%s: %v", caller(3), err)
	return true
}

// T logs err at trace level and returns true if err is non-nil. Used for the
// noisiest, most frequent checks (hot loops, per-message parsing).
func T(err error) bool {
	if err == nil {
		return false
	}
	log.T.F("%s: %v", caller(3), err)
	return true
}
