// Package wire implements the two on-the-wire codecs spoken by the rig: the
// binary pH-meter request/reply frame and the ASCII pump command frame.
package wire

import "errors"

// ErrReadFailure is returned whenever a frame read from the bus is short,
// times out, or fails a framing check. The scheduler treats it specially:
// it converts the error into a NaN measurement rather than dropping the task.
var ErrReadFailure = errors.New("wire: read failure")
