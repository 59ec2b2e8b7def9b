/* usbshare - share physical USB devices over the network
 *
 * Bootstrap printing, for use before a Logger's sink is configured
 */

package logger

import (
	"fmt"
	"os"
)

// Printf prints a message to stderr, for use during early startup
// before configuration (and hence the real Logger sink) is available
func Printf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

// Exit prints a message to stderr and terminates the process
func Exit(format string, args ...interface{}) {
	Printf(format, args...)
	os.Exit(1)
}

// Check terminates the process if err is not nil
func Check(err error) {
	if err != nil {
		Exit("%s", err)
	}
}

// Usage prints a usage error, then terminates the process
func Usage(format string, args ...interface{}) {
	if format != "" {
		Printf(format, args...)
	}
	Printf("Try %s -h for more information", os.Args[0])
	os.Exit(1)
}
