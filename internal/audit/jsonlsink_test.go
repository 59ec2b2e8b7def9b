/* usbshare - share physical USB devices over the network
 *
 * Tests for the JSON-lines audit file sink
 */

package audit

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileSinkWritesOneLinePerRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit", "trail.jsonl")

	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %s", err)
	}
	defer sink.Close()

	sink.Record(Event{Kind: EventAttach, ClientID: "c1", DeviceID: "1234:5678", Time: time.Now()})
	sink.Record(Event{Kind: EventDetach, ClientID: "c1", DeviceID: "1234:5678", Time: time.Now()})

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %s", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	n := 0
	for scanner.Scan() {
		n++
	}
	if n != 2 {
		t.Fatalf("expected 2 lines, got %d", n)
	}
}

func TestFileSinkRotatesPastMaxSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trail.jsonl")

	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %s", err)
	}
	defer sink.Close()
	sink.maxSize = 128
	sink.maxBackups = 2

	for i := 0; i < 50; i++ {
		sink.Record(Event{Kind: EventAttach, ClientID: "c1", DeviceID: "1234:5678", Reason: "filling the log with enough bytes to force rotation", Time: time.Now()})
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected live file to still exist: %s", err)
	}
	if _, err := os.Stat(path + ".0.gz"); err != nil {
		t.Fatalf("expected first backup to exist: %s", err)
	}
}
