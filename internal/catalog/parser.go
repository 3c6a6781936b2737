package catalog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"firestige.xyz/canlens/internal/core"
	"firestige.xyz/canlens/internal/log"
)

// extendedFlag marks a 29-bit identifier in DBC message records.
const extendedFlag = 0x80000000

var (
	messageRe = regexp.MustCompile(`^BO_\s+(\d+)\s+(\w+)\s*:\s*(\d+)\s+(\S+)\s*$`)
	signalRe  = regexp.MustCompile(`^SG_\s+(\w+)(?:\s+(M|m\d+M?))?\s*:\s*(\d+)\|(\d+)@([01])([+-])\s*` +
		`\(\s*([^,\s]+)\s*,\s*([^)\s]+)\s*\)\s*\[\s*([^|\s]*)\s*\|\s*([^\]\s]*)\s*\]\s*"([^"]*)"\s*(.*)$`)
	messageCommentRe = regexp.MustCompile(`(?s)^CM_\s+BO_\s+(\d+)\s+"((?:[^"\\]|\\.)*)"\s*;`)
	signalCommentRe  = regexp.MustCompile(`(?s)^CM_\s+SG_\s+(\d+)\s+(\w+)\s+"((?:[^"\\]|\\.)*)"\s*;`)
)

// ParseError describes one skipped record.
type ParseError struct {
	Line   int
	Record string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s record: %s", e.Line, e.Record, e.Reason)
}

// Options control loading.
type Options struct {
	// Strict turns signal layout problems into a load failure.
	Strict bool
}

// Load parses a DBC document with default options.
func Load(r io.Reader) (*Catalog, error) {
	return Options{}.Load(r)
}

// Parse parses a DBC document held in memory.
func Parse(text string) (*Catalog, error) {
	return Options{}.Load(strings.NewReader(text))
}

// LoadFile opens and parses the DBC file at path.
func LoadFile(path string, opts Options) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	c, err := opts.Load(f)
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}
	return c, nil
}

type pendingComment struct {
	key    msgKey
	signal string
	text   string
}

// Load parses a DBC document. Malformed message and signal records are skipped and
// reported through Warnings; the load fails only when no message survives.
func (o Options) Load(r io.Reader) (*Catalog, error) {
	logger := log.GetLogger()
	c := newCatalog()

	var (
		current  *Message
		comments []pendingComment
		lineNo   int
	)

	skip := func(line int, record, reason string) {
		pe := &ParseError{Line: line, Record: record, Reason: reason}
		c.warnings = append(c.warnings, pe)
		logger.WithField("line", line).Warnf("skipping malformed %s record: %s", record, reason)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		keyword := line
		if idx := strings.IndexAny(line, " \t"); idx != -1 {
			keyword = line[:idx]
		}

		switch keyword {
		case "BO_":
			current = nil
			m, err := parseMessage(line)
			if err != nil {
				skip(lineNo, "BO_", err.Error())
				continue
			}
			k := keyOf(m.ID, m.Extended)
			if _, dup := c.index[k]; dup {
				skip(lineNo, "BO_", fmt.Sprintf("duplicate message id 0x%X", m.ID))
				continue
			}
			c.messages = append(c.messages, m)
			c.index[k] = m
			current = m

		case "SG_":
			if current == nil {
				skip(lineNo, "SG_", "signal outside of a message")
				continue
			}
			s, err := parseSignal(line)
			if err != nil {
				skip(lineNo, "SG_", err.Error())
				continue
			}
			if _, dup := current.Signal(s.Name); dup {
				skip(lineNo, "SG_", fmt.Sprintf("duplicate signal %s in message %s", s.Name, current.Name))
				continue
			}
			current.Signals = append(current.Signals, s)

		case "CM_":
			current = nil
			if line == keyword {
				// bare keyword inside the NS_ symbol list
				continue
			}
			record := line
			start := lineNo
			// comment strings may span lines
			for !commentComplete(record) && scanner.Scan() {
				lineNo++
				record += "\n" + scanner.Text()
			}
			if pc, ok := parseComment(record); ok {
				comments = append(comments, pc)
			} else if strings.HasPrefix(record, "CM_ BO_") || strings.HasPrefix(record, "CM_ SG_") {
				skip(start, "CM_", "unterminated or malformed comment")
			}

		default:
			// VERSION, NS_, BU_, VAL_, BA_ and friends are not needed for decoding.
			current = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	if len(c.messages) == 0 {
		return nil, fmt.Errorf("%w (%d records skipped)", core.ErrNoMessages, len(c.warnings))
	}

	for _, pc := range comments {
		m, ok := c.index[pc.key]
		if !ok {
			continue
		}
		if pc.signal == "" {
			m.Description = pc.text
			continue
		}
		if s, ok := m.Signal(pc.signal); ok {
			s.Comment = pc.text
		}
	}

	c.problems = c.Validate()
	for _, p := range c.problems {
		logger.WithField("message", fmt.Sprintf("0x%X", p.MessageID)).Warn(p.String())
	}
	if o.Strict && len(c.problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrSignalLayout, c.problems[0])
	}

	logger.Debugf("catalog loaded: %d messages, %d records skipped", len(c.messages), len(c.warnings))
	return c, nil
}

func parseMessage(line string) (*Message, error) {
	m := messageRe.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("unrecognized syntax %q", line)
	}
	rawID, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid id %q", m[1])
	}
	length, err := strconv.Atoi(m[3])
	if err != nil || length > 64 {
		return nil, fmt.Errorf("invalid length %q", m[3])
	}

	msg := &Message{
		Name:   m[2],
		Length: length,
		Sender: m[4],
	}
	if rawID&extendedFlag != 0 {
		msg.ID = uint32(rawID) &^ extendedFlag
		msg.Extended = true
		if msg.ID > core.MaxExtendedID {
			return nil, fmt.Errorf("extended id 0x%X out of range", msg.ID)
		}
	} else {
		msg.ID = uint32(rawID)
		msg.Extended = msg.ID > core.MaxStandardID
		if msg.ID > core.MaxExtendedID {
			return nil, fmt.Errorf("id 0x%X out of range", msg.ID)
		}
	}
	return msg, nil
}

func parseSignal(line string) (Signal, error) {
	m := signalRe.FindStringSubmatch(line)
	if m == nil {
		return Signal{}, fmt.Errorf("unrecognized syntax %q", line)
	}

	start, _ := strconv.Atoi(m[3])
	length, _ := strconv.Atoi(m[4])
	if start > 63 {
		return Signal{}, fmt.Errorf("start bit %d out of range", start)
	}
	if length < 1 || length > 64 {
		return Signal{}, fmt.Errorf("bit length %d out of range", length)
	}

	nums := make([]float64, 4)
	for i, tok := range []string{m[7], m[8], m[9], m[10]} {
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return Signal{}, fmt.Errorf("invalid number %q", tok)
		}
		nums[i] = v
	}

	s := Signal{
		Name:      m[1],
		Mux:       m[2],
		StartBit:  start,
		BitLength: length,
		ByteOrder: LittleEndian,
		Signed:    m[6] == "-",
		Scale:     nums[0],
		Offset:    nums[1],
		Min:       nums[2],
		Max:       nums[3],
		Unit:      m[11],
	}
	if m[5] == "0" {
		s.ByteOrder = BigEndian
	}
	for _, r := range strings.FieldsFunc(m[12], func(r rune) bool { return r == ',' || r == ' ' || r == '\t' }) {
		s.Receivers = append(s.Receivers, r)
	}
	return s, nil
}

func commentComplete(record string) bool {
	inQuote := false
	escaped := false
	for _, r := range record {
		switch {
		case escaped:
			escaped = false
		case r == '\\':
			escaped = true
		case r == '"':
			inQuote = !inQuote
		case r == ';' && !inQuote:
			return true
		}
	}
	return false
}

// rawKey keys a DBC record id, which carries the extended flag in bit 31.
func rawKey(raw uint64) msgKey {
	id := uint32(raw)
	return keyOf(id&^extendedFlag, id&extendedFlag != 0)
}

func parseComment(record string) (pendingComment, bool) {
	if m := messageCommentRe.FindStringSubmatch(record); m != nil {
		id, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			return pendingComment{}, false
		}
		return pendingComment{key: rawKey(id), text: unescape(m[2])}, true
	}
	if m := signalCommentRe.FindStringSubmatch(record); m != nil {
		id, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			return pendingComment{}, false
		}
		return pendingComment{key: rawKey(id), signal: m[2], text: unescape(m[3])}, true
	}
	return pendingComment{}, false
}

func unescape(s string) string {
	return strings.ReplaceAll(s, `\"`, `"`)
}
