package trace

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"firestige.xyz/canlens/internal/core"
	"firestige.xyz/canlens/internal/log"
)

// File is a parsed trace.
type File struct {
	Version   string
	StartTime time.Time // zero when the header has no $STARTTIME
	Entries   []Entry
	Skipped   int // malformed data lines
}

// LoadFile reads the trace at path.
func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read parses a trace. Malformed data lines are skipped and counted; only I/O
// errors fail.
func Read(r io.Reader) (*File, error) {
	logger := log.GetLogger()
	out := &File{}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ";") {
			out.parseHeader(line)
			continue
		}
		e, err := ParseLine(line)
		if err != nil {
			out.Skipped++
			logger.WithField("line", lineNo).Warnf("skipping trace line: %v", err)
			continue
		}
		out.Entries = append(out.Entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	return out, nil
}

func (f *File) parseHeader(line string) {
	switch {
	case strings.HasPrefix(line, ";$FILEVERSION="):
		f.Version = strings.TrimPrefix(line, ";$FILEVERSION=")
	case strings.HasPrefix(line, ";$STARTTIME="):
		days, err := strconv.ParseFloat(strings.TrimPrefix(line, ";$STARTTIME="), 64)
		if err == nil {
			f.StartTime = fromOLE(days, time.Local)
		}
	}
}

// ParseLine parses one data line. Fields 0, 1, 4 and 7 hold the sequence
// number, offset, hex id and dlc; dlc byte tokens follow.
func ParseLine(line string) (Entry, error) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return Entry{}, fmt.Errorf("expected at least 8 fields, got %d", len(fields))
	}
	seq, err := strconv.Atoi(fields[0])
	if err != nil {
		return Entry{}, fmt.Errorf("invalid sequence number %q", fields[0])
	}
	offset, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid offset %q", fields[1])
	}
	id, err := strconv.ParseUint(fields[4], 16, 32)
	if err != nil || id > core.MaxExtendedID {
		return Entry{}, fmt.Errorf("invalid id %q", fields[4])
	}
	dlc, err := strconv.Atoi(fields[7])
	if err != nil || dlc < 0 || dlc > core.MaxDLC {
		return Entry{}, fmt.Errorf("invalid dlc %q", fields[7])
	}
	bytes := fields[8:]
	if len(bytes) < dlc {
		return Entry{}, fmt.Errorf("dlc %d but %d data bytes", dlc, len(bytes))
	}

	data := make([]byte, dlc)
	for i := 0; i < dlc; i++ {
		v, err := strconv.ParseUint(bytes[i], 16, 8)
		if err != nil {
			return Entry{}, fmt.Errorf("invalid data byte %q", bytes[i])
		}
		data[i] = byte(v)
	}
	return Entry{Seq: seq, OffsetMs: offset, ID: uint32(id), DLC: uint8(dlc), Data: data}, nil
}
