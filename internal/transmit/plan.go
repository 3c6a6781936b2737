// Package transmit sends frames periodically from a YAML plan, independent of
// the receive session.
package transmit

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"firestige.xyz/canlens/internal/catalog"
	"firestige.xyz/canlens/internal/core"
)

// Row is one periodically sent message.
//
//	messages:
//	  - name: heartbeat
//	    id: 0x100
//	    dlc: 2
//	    data: "01 02"
//	    cycle_ms: 100
//	  - id: 0x200
//	    signals: {EngineSpeed: 1500}
//	    cycle_ms: 20
type Row struct {
	Name     string             `yaml:"name"`
	ID       uint32             `yaml:"id"`
	Extended bool               `yaml:"extended"`
	DLC      int                `yaml:"dlc"` // 0 takes the length of data or of the catalog message
	Data     string             `yaml:"data"`
	Signals  map[string]float64 `yaml:"signals"`
	CycleMs  int                `yaml:"cycle_ms"`
	Enabled  *bool              `yaml:"enabled"` // default true
}

// Plan is the transmit table.
type Plan struct {
	Rows []Row `yaml:"messages"`
}

// IsEnabled reports whether the row takes part in the schedule.
func (r Row) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Cycle returns the send period.
func (r Row) Cycle() time.Duration {
	return time.Duration(r.CycleMs) * time.Millisecond
}

// Label names the row in logs and metrics.
func (r Row) Label() string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("%X", r.ID)
}

// LoadPlan reads and validates a plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transmit plan: %w", err)
	}
	p, err := ParsePlan(data)
	if err != nil {
		return nil, fmt.Errorf("transmit plan %s: %w", path, err)
	}
	return p, nil
}

// ParsePlan decodes and validates a YAML plan.
func ParsePlan(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse transmit plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks every row.
func (p *Plan) Validate() error {
	if len(p.Rows) == 0 {
		return errors.New("transmit plan has no messages")
	}
	var errs []error
	for i, r := range p.Rows {
		if err := r.validate(); err != nil {
			errs = append(errs, fmt.Errorf("messages[%d] (%s): %w", i, r.Label(), err))
		}
	}
	return errors.Join(errs...)
}

func (r Row) validate() error {
	if r.ID == 0 {
		return errors.New("id must be non-zero")
	}
	if r.ID > core.MaxExtendedID {
		return fmt.Errorf("id 0x%X out of range", r.ID)
	}
	if r.CycleMs < 1 {
		return fmt.Errorf("cycle_ms must be at least 1, got %d", r.CycleMs)
	}
	if len(r.Signals) > 0 {
		if r.Data != "" {
			return errors.New("data and signals are mutually exclusive")
		}
		if r.DLC != 0 && (r.DLC < 1 || r.DLC > core.MaxDLC) {
			return fmt.Errorf("dlc %d outside 1..8", r.DLC)
		}
		return nil
	}
	data, err := parseData(r.Data)
	if err != nil {
		return err
	}
	if len(data) > core.MaxDLC {
		return fmt.Errorf("%d data bytes, at most 8 allowed", len(data))
	}
	dlc := r.DLC
	if dlc == 0 {
		dlc = len(data)
	}
	if dlc < 1 || dlc > core.MaxDLC {
		return fmt.Errorf("dlc %d outside 1..8", dlc)
	}
	return nil
}

// parseData parses space separated hex bytes.
func parseData(s string) ([]byte, error) {
	fields := strings.Fields(s)
	out := make([]byte, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid data byte %q", f)
		}
		out = append(out, byte(v))
	}
	return out, nil
}

// Frame builds the frame for r. Signal rows are encoded through cat.
func (r Row) Frame(cat *catalog.Catalog) (core.Frame, error) {
	var payload []byte
	dlc := r.DLC

	if len(r.Signals) > 0 {
		if cat == nil {
			return core.Frame{}, core.ErrNoCatalog
		}
		msg, ok := cat.Lookup(r.ID, r.Extended)
		if !ok {
			return core.Frame{}, fmt.Errorf("message 0x%X not in catalog", r.ID)
		}
		enc, err := msg.Encode(r.Signals)
		if err != nil {
			return core.Frame{}, err
		}
		payload = enc
		if dlc == 0 {
			dlc = msg.Length
		}
	} else {
		data, err := parseData(r.Data)
		if err != nil {
			return core.Frame{}, err
		}
		payload = data
		if dlc == 0 {
			dlc = len(data)
		}
	}

	if dlc > core.MaxDLC {
		dlc = core.MaxDLC
	}
	f := core.NewFrame(r.ID, payload)
	f.DLC = uint8(dlc) // bytes not given are sent as zero
	f.Extended = f.Extended || r.Extended
	return f, nil
}
