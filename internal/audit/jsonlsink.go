/* usbshare - share physical USB devices over the network
 *
 * Newline-delimited JSON audit sink: one compliance-trail record per
 * line, append-only, rotated the same way the logger rotates its own
 * files once a size threshold is crossed
 */

package audit

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// FileSink writes one JSON object per line to a file, creating its
// parent directory on first use. A nil *FileSink is not valid; always
// go through NewFileSink
type FileSink struct {
	path       string
	maxSize    int64
	maxBackups uint

	mu   sync.Mutex
	file *os.File
	size int64
}

// DefaultMaxSize and DefaultMaxBackups are the audit sink's rotation
// thresholds; both are larger than the logger package's MaxFileSize
// and MaxBackupFiles
const (
	DefaultMaxSize    = 4 * 1024 * 1024
	DefaultMaxBackups = 10
)

// NewFileSink opens (creating if necessary) path for appending
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	s := &FileSink{path: path, maxSize: DefaultMaxSize, maxBackups: DefaultMaxBackups}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSink) open() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("audit: opening %s: %w", s.path, err)
	}
	stat, err := f.Stat()
	if err == nil {
		s.size = stat.Size()
	}
	s.file = f
	return nil
}

// record is the on-disk shape of an Event; field names are frozen
// once this file format ships anywhere
type record struct {
	Time     string    `json:"time"`
	Kind     EventKind `json:"kind"`
	ClientID string    `json:"client_id,omitempty"`
	DeviceID string    `json:"device_id,omitempty"`
	ServerID string    `json:"server_id,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// Record implements Sink. A write failure is logged to stderr rather
// than returned, since Sink.Record has no error return and an audit
// trail must never be able to crash the core on a full disk
func (s *FileSink) Record(e Event) {
	line, err := json.Marshal(record{
		Time:     e.Time.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Kind:     e.Kind,
		ClientID: e.ClientID,
		DeviceID: e.DeviceID,
		ServerID: e.ServerID,
		Reason:   e.Reason,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: marshal: %s\n", err)
		return
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size+int64(len(line)) > s.maxSize {
		s.rotate()
	}

	n, err := s.file.Write(line)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: write %s: %s\n", s.path, err)
		return
	}
	s.size += int64(n)
}

// rotate gzips the current file into its first backup slot, shifting
// older backups down and dropping the oldest. Caller must hold s.mu
func (s *FileSink) rotate() {
	prevpath := ""
	for i := int(s.maxBackups); i >= 0; i-- {
		nextpath := s.path
		if i > 0 {
			nextpath += fmt.Sprintf(".%d.gz", i-1)
		}

		switch i {
		case int(s.maxBackups):
			os.Remove(nextpath)
		case 0:
			if err := s.gzip(nextpath, prevpath); err == nil && s.file != nil {
				s.file.Truncate(0)
				s.file.Seek(0, io.SeekStart)
			}
		default:
			os.Rename(nextpath, prevpath)
		}

		prevpath = nextpath
	}
	s.size = 0
}

// gzip compresses ipath into opath
func (s *FileSink) gzip(ipath, opath string) error {
	ifile, err := os.Open(ipath)
	if err != nil {
		return err
	}
	defer ifile.Close()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := io.Copy(gz, ifile); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}

	return os.WriteFile(opath, buf.Bytes(), 0600)
}

// Close closes the underlying file
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
