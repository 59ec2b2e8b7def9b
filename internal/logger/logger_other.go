//go:build !linux
// +build !linux

/* usbshare - share physical USB devices over the network
 *
 * Logging, fallback for non-Linux platforms
 */

package logger

import (
	"io"
	"os"
)

// isATTY is conservatively false off Linux; color output is a
// cosmetic nicety, not a correctness concern.
func isATTY(file *os.File) bool {
	return false
}

// colorConsoleWrite is unused off Linux since isATTY always returns
// false, but is kept so ToColorConsole's call graph stays uniform.
func colorConsoleWrite(out io.Writer, level Level, line []byte) {
	out.Write(line)
}
