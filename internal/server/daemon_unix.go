//go:build linux

/* usbshare - share physical USB devices over the network
 *
 * Background daemonization: re-exec ourselves detached from the
 * controlling terminal, keeping the parent around just long enough
 * to relay the child's early startup errors
 */

package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"unicode"
)

// CloseStdInOutErr redirects stdin/stdout/stderr to /dev/null, once a
// daemonized process no longer needs its inherited terminal
func CloseStdInOutErr() error {
	nul, err := syscall.Open(os.DevNull, syscall.O_RDONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %q: %w", os.DevNull, err)
	}
	defer syscall.Close(nul)

	for fd := 0; fd <= 2; fd++ {
		if err := syscall.Dup2(nul, fd); err != nil {
			return fmt.Errorf("dup2: %w", err)
		}
	}
	return nil
}

// Daemon re-execs the current program detached from its controlling
// terminal (a new session, stdin from /dev/null), dropping skipArg
// from argv so the child does not loop back into background mode.
// The parent waits only long enough to relay the child's own
// initialization errors, then returns
func Daemon(skipArg string) error {
	rstdout, wstdout, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("pipe: %w", err)
	}
	rstderr, wstderr, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("pipe: %w", err)
	}

	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return fmt.Errorf("open %q: %w", os.DevNull, err)
	}
	defer devnull.Close()

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding executable: %w", err)
	}

	args := make([]string, 0, len(os.Args))
	for _, arg := range os.Args {
		if arg != skipArg {
			args = append(args, arg)
		}
	}

	attr := &os.ProcAttr{
		Files: []*os.File{devnull, wstdout, wstderr},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	}

	proc, err := os.StartProcess(self, args, attr)
	if err != nil {
		return err
	}

	wstdout.Close()
	wstderr.Close()

	var stdout, stderr bytes.Buffer
	io.Copy(&stdout, rstdout)
	io.Copy(&stderr, rstderr)

	if stdout.Len() != 0 {
		os.Stdout.Write(stdout.Bytes())
	}

	if stderr.Len() != 0 {
		proc.Kill()
		return errors.New(strings.TrimFunc(stderr.String(), unicode.IsSpace))
	}

	proc.Release()
	return nil
}
