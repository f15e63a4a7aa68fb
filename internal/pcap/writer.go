// Package pcap tees raw captured frames to a size- and count-bounded
// rotating pcap file, used by internal/input/capture as an optional debug
// dump so a live TZSP capture can later be replayed offline through
// internal/input/pcapfile. Grounded on the teacher's own capture-to-disk
// path, re-cut around a packet/rotation counter and optional logging so
// operators can see rotation and write failures rather than have them
// silently swallowed.
package pcap

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/pavelkim/flowexporterd/internal/logger"
)

// DumpWriter tees raw frames to disk as they're captured, rotating to a new
// file once the current one crosses maxSizeMB (0 disables size-based
// rotation) and keeping at most maxBackups retired files.
type DumpWriter struct {
	path       string
	maxSizeMB  int
	maxBackups int
	log        *logger.Logger

	mu           sync.Mutex
	file         *os.File
	pcapw        *pcapgo.Writer
	bytesWritten int64
	packetsWritten uint64
	rotations      uint64
}

// NewWriter opens path for writing, rotating any pre-existing file at that
// path into the backup chain first. log may be nil (rotation/write failures
// are then silently best-effort, matching a caller that has no logger yet).
func NewWriter(path string, maxSizeMB, maxBackups int, log *logger.Logger) (*DumpWriter, error) {
	w := &DumpWriter{
		path:       path,
		maxSizeMB:  maxSizeMB,
		maxBackups: maxBackups,
		log:        log,
	}
	if err := w.rotate(); err != nil {
		return nil, fmt.Errorf("pcap: open dump %q: %w", path, err)
	}
	return w, nil
}

// WritePacket appends one captured frame, rotating first if the current
// file has grown past the size budget.
func (w *DumpWriter) WritePacket(data []byte, timestamp time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.overSizeBudget() {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("pcap: rotate %q: %w", w.path, err)
		}
	}

	ci := gopacket.CaptureInfo{
		Timestamp:     timestamp,
		CaptureLength: len(data),
		Length:        len(data),
	}
	if err := w.pcapw.WritePacket(ci, data); err != nil {
		return fmt.Errorf("pcap: write packet: %w", err)
	}

	w.bytesWritten += int64(len(data))
	w.packetsWritten++
	return nil
}

func (w *DumpWriter) overSizeBudget() bool {
	return w.maxSizeMB > 0 && w.bytesWritten > int64(w.maxSizeMB)*1024*1024
}

// Stats reports the packets written and rotations performed since the
// writer was opened, for operators sizing maxSizeMB/maxBackups.
func (w *DumpWriter) Stats() (packetsWritten, rotations uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.packetsWritten, w.rotations
}

// Close flushes and releases the current dump file.
func (w *DumpWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

// rotate retires the current file through the backup chain (path.1 is the
// newest backup, path.N the oldest, dropped once maxBackups is exceeded)
// and opens a fresh file at path.
func (w *DumpWriter) rotate() error {
	if w.file != nil {
		w.file.Close()
	}

	if w.maxBackups > 0 {
		w.shiftBackups()
		if _, err := os.Stat(w.path); err == nil {
			if err := os.Rename(w.path, w.backupName(0)); err != nil {
				w.warn("rename current dump to backup", err)
			}
		}
	}

	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}

	pw := pcapgo.NewWriter(f)
	if err := pw.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return fmt.Errorf("write file header: %w", err)
	}

	w.file = f
	w.pcapw = pw
	w.bytesWritten = 0
	w.rotations++
	return nil
}

// shiftBackups renames path.i to path.(i+1) from oldest to newest,
// dropping the backup that would overflow maxBackups.
func (w *DumpWriter) shiftBackups() {
	for i := w.maxBackups - 1; i >= 0; i-- {
		oldName := w.backupName(i)
		if _, err := os.Stat(oldName); err != nil {
			continue
		}
		if i == w.maxBackups-1 {
			if err := os.Remove(oldName); err != nil {
				w.warn("drop oldest dump backup", err)
			}
			continue
		}
		if err := os.Rename(oldName, w.backupName(i+1)); err != nil {
			w.warn("shift dump backup", err)
		}
	}
}

func (w *DumpWriter) backupName(index int) string {
	return fmt.Sprintf("%s.%d", w.path, index+1)
}

func (w *DumpWriter) warn(msg string, err error) {
	if w.log != nil {
		w.log.Warn("pcap: "+msg, "error", err)
	}
}
