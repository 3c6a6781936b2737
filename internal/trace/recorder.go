package trace

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"firestige.xyz/canlens/internal/core"
	"firestige.xyz/canlens/internal/log"
)

// RecorderOptions describe the bus in the header legend.
type RecorderOptions struct {
	Bus        int    // bus number written in every data line, default 1
	Connection string // connection name shown in the header
	Bitrate    int    // bit/s
}

// Recorder appends frames to a trace file. Offsets are relative to the first
// recorded frame and never decrease.
type Recorder struct {
	opts RecorderOptions

	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	path    string
	epoch   time.Time
	seq     int
	last    float64
	started time.Time
}

// NewRecorder returns a stopped recorder.
func NewRecorder(opts RecorderOptions) *Recorder {
	if opts.Bus <= 0 {
		opts.Bus = 1
	}
	if opts.Connection == "" {
		opts.Connection = "canlens"
	}
	return &Recorder{opts: opts}
}

// Start creates path (and its directory) and writes the header.
func (r *Recorder) Start(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f != nil {
		return fmt.Errorf("recorder already writing %s", r.path)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create trace dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create trace file: %w", err)
	}

	r.f = f
	r.w = bufio.NewWriter(f)
	r.path = path
	r.seq = 0
	r.last = 0
	r.epoch = time.Time{}
	r.started = time.Now()

	if _, err := r.w.WriteString(r.header(r.started)); err != nil {
		f.Close()
		r.f, r.w = nil, nil
		return fmt.Errorf("write trace header: %w", err)
	}
	log.GetLogger().WithField("path", path).Info("trace recording started")
	return nil
}

func (r *Recorder) header(now time.Time) string {
	var b strings.Builder
	b.WriteString(";$FILEVERSION=" + FileVersion + "\n")
	fmt.Fprintf(&b, ";$STARTTIME=%.10f\n", toOLE(now))
	b.WriteString(";$COLUMNS=N,O,T,B,I,d,R,L,D\n;\n")
	fmt.Fprintf(&b, ";   Start time: %s\n", now.UTC().Format("02-01-2006 15:04:05.000"))
	b.WriteString(";   Generated by canlens\n")
	b.WriteString(";-------------------------------------------------------------------------------\n")
	b.WriteString(";   Bus  Connection   Protocol  Bit rate\n")
	fmt.Fprintf(&b, ";   %-4d %-12s CAN       %d kbit/s\n", r.opts.Bus, r.opts.Connection, r.opts.Bitrate/1000)
	b.WriteString(";-------------------------------------------------------------------------------\n")
	b.WriteString(";   Message    Time    Type    ID     Rx/Tx\n")
	b.WriteString(";   Number     Offset  |  Bus  [hex]  |  Reserved\n")
	b.WriteString(";   |          [ms]    |  |    |      |  |  Data Length Code\n")
	b.WriteString(";   |          |       |  |    |      |  |  |    Data [hex] ...\n")
	b.WriteString(";   |          |       |  |    |      |  |  |    |\n")
	b.WriteString(";---+--- ------+------ +- +- --+----- +- +- +--- +- -- -- -- -- -- -- --\n")
	return b.String()
}

// FormatLine renders one data line without the trailing newline.
func FormatLine(seq int, offsetMs float64, bus int, f core.Frame) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%7d %10.3f DT %d %04X Rx - %2d", seq, offsetMs, bus, f.ID, f.DLC)
	for _, v := range f.Payload() {
		fmt.Fprintf(&b, " %02X", v)
	}
	return b.String()
}

// RecordFrame appends f captured at ts. The first frame defines offset zero.
func (r *Recorder) RecordFrame(f core.Frame, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return core.ErrRecorderStopped
	}
	if r.seq == 0 {
		r.epoch = ts
	}
	offset := float64(ts.Sub(r.epoch).Microseconds()) / 1000
	if offset < r.last {
		offset = r.last
	}
	r.last = offset
	r.seq++

	if _, err := r.w.WriteString(FormatLine(r.seq, offset, r.opts.Bus, f) + "\n"); err != nil {
		return fmt.Errorf("write trace line: %w", err)
	}
	return nil
}

// Flush writes buffered lines to disk.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	return r.w.Flush()
}

// Stop flushes and closes the file. Stopping a stopped recorder is a no-op.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	ferr := r.w.Flush()
	cerr := r.f.Close()
	r.f, r.w = nil, nil

	log.GetLogger().WithFields(map[string]any{
		"path":   r.path,
		"frames": r.seq,
	}).Info("trace recording stopped")
	return errors.Join(ferr, cerr)
}

// Recording reports whether a file is open.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f != nil
}

// Path returns the current or last file path.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Count returns the number of frames recorded into the current file.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// FileName returns the default trace file name for t.
func FileName(t time.Time) string {
	return fmt.Sprintf("%s_%03d.trc", t.Format("2006-01-02_15-04-05"), t.Nanosecond()/int(time.Millisecond))
}
