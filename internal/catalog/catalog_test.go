package catalog

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/canlens/internal/core"
)

func TestLoadFile(t *testing.T) {
	c, err := LoadFile("testdata/vehicle.dbc", Options{})
	require.NoError(t, err)

	require.Equal(t, 3, c.Len())
	names := make([]string, 0, c.Len())
	for _, m := range c.Messages() {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"EngineData", "Brake", "J1939Speed"}, names)
	assert.Empty(t, c.Warnings())
	assert.Empty(t, c.Problems())

	engine, ok := c.Message(0x100)
	require.True(t, ok)
	assert.Equal(t, "ECU", engine.Sender)
	assert.Equal(t, 8, engine.Length)
	assert.Equal(t, "Engine status broadcast", engine.Description)

	want := Signal{
		Name:      "EngineSpeed",
		StartBit:  0,
		BitLength: 16,
		ByteOrder: LittleEndian,
		Scale:     0.25,
		Min:       0,
		Max:       16383.75,
		Unit:      "rpm",
		Receivers: []string{"DASH", "GATEWAY"},
		Comment:   "Crankshaft speed,\nsampled every 10 ms",
	}
	if diff := cmp.Diff(want, engine.Signals[0]); diff != "" {
		t.Errorf("EngineSpeed mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "DASH,GATEWAY", engine.Signals[0].Receiver())

	torque, ok := engine.Signal("Torque")
	require.True(t, ok)
	assert.Equal(t, BigEndian, torque.ByteOrder)
	assert.True(t, torque.Signed)

	j1939, ok := c.Message(0x18FEF100)
	require.True(t, ok, "extended id must be masked to 29 bits")
	assert.True(t, j1939.Extended)
}

func TestLoadSkipsMalformedRecords(t *testing.T) {
	text := `
BO_ 100 Good: 8 ECU
 SG_ A : 0|8@1+ (1,0) [0|255] "" X
 SG_ Broken : 8|x@1+ (1,0) [0|255] "" X
 SG_ B : 8|8@1+ (abc,0) [0|255] "" X
 SG_ C : 70|8@1+ (1,0) [0|255] "" X
BO_ oops Bad: 8 ECU
 SG_ Orphan : 0|8@1+ (1,0) [0|255] "" X
BO_ 100 Duplicate: 8 ECU
`
	c, err := Parse(text)
	require.NoError(t, err)

	require.Equal(t, 1, c.Len())
	m, _ := c.Message(100)
	require.Len(t, m.Signals, 1)
	assert.Equal(t, "A", m.Signals[0].Name)

	warnings := c.Warnings()
	require.Len(t, warnings, 6)
	assert.Equal(t, 4, warnings[0].Line)
	assert.Equal(t, "SG_", warnings[0].Record)
	assert.Equal(t, "BO_", warnings[3].Record)
	assert.Contains(t, warnings[4].Reason, "outside of a message")
	assert.Contains(t, warnings[5].Reason, "duplicate message id")
}

func TestLoadNoMessages(t *testing.T) {
	_, err := Parse("VERSION \"\"\nBO_ nope\n")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrNoMessages))
	assert.Contains(t, err.Error(), "1 records skipped")

	_, err = Parse("")
	assert.True(t, errors.Is(err, core.ErrNoMessages))
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile("testdata/missing.dbc", Options{})
	assert.Error(t, err)
}

const overlapping = `
BO_ 300 Overlap: 8 ECU
 SG_ First : 0|12@1+ (1,0) [0|0] "" X
 SG_ Second : 8|8@1+ (1,0) [0|0] "" X
 SG_ Tail : 60|8@1+ (1,0) [0|0] "" X
`

func TestValidateOverlap(t *testing.T) {
	c, err := Parse(overlapping)
	require.NoError(t, err, "non-strict load only warns")

	problems := c.Problems()
	require.Len(t, problems, 2)
	assert.Equal(t, ProblemOverlap, problems[0].Kind)
	assert.Equal(t, "First", problems[0].Signal)
	assert.Equal(t, "Second", problems[0].Other)
	assert.Equal(t, ProblemOutOfRange, problems[1].Kind)
	assert.Equal(t, "Tail", problems[1].Signal)

	_, err = Options{Strict: true}.Load(strings.NewReader(overlapping))
	assert.True(t, errors.Is(err, ErrSignalLayout))
}

func TestValidateMultiplexed(t *testing.T) {
	c, err := Parse(`
BO_ 400 Muxed: 8 ECU
 SG_ Selector M : 0|8@1+ (1,0) [0|0] "" X
 SG_ PageA m0 : 8|16@1+ (1,0) [0|0] "" X
 SG_ PageB m1 : 8|16@1+ (1,0) [0|0] "" X
`)
	require.NoError(t, err)
	assert.Empty(t, c.Problems())
	m, _ := c.Message(400)
	assert.Equal(t, "m1", m.Signals[2].Mux)
}

func TestDecodeScenarios(t *testing.T) {
	tests := []struct {
		name    string
		signal  Signal
		payload []byte
		want    float64
	}{
		{
			name:    "little endian unsigned byte",
			signal:  Signal{Name: "S", StartBit: 0, BitLength: 8, ByteOrder: LittleEndian, Scale: 1},
			payload: []byte{0x2A, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
			want:    42,
		},
		{
			name:    "big endian signed all ones",
			signal:  Signal{Name: "S", StartBit: 7, BitLength: 16, ByteOrder: BigEndian, Signed: true, Scale: 1},
			payload: []byte{0xFF, 0xFF},
			want:    -1,
		},
		{
			name:    "little endian across bytes with scale",
			signal:  Signal{Name: "S", StartBit: 4, BitLength: 8, ByteOrder: LittleEndian, Scale: 0.5, Offset: 10},
			payload: []byte{0x30, 0x01},
			want:    0x13*0.5 + 10,
		},
		{
			name:    "big endian across bytes",
			signal:  Signal{Name: "S", StartBit: 3, BitLength: 8, ByteOrder: BigEndian, Scale: 1},
			payload: []byte{0x0A, 0xB0},
			want:    0xAB,
		},
		{
			name:    "signed little endian negative",
			signal:  Signal{Name: "S", StartBit: 0, BitLength: 4, ByteOrder: LittleEndian, Signed: true, Scale: 1},
			payload: []byte{0x0E},
			want:    -2,
		},
		{
			name:    "bits beyond payload read as zero",
			signal:  Signal{Name: "S", StartBit: 0, BitLength: 16, ByteOrder: LittleEndian, Scale: 1},
			payload: []byte{0xFF},
			want:    0xFF,
		},
		{
			name:    "empty payload",
			signal:  Signal{Name: "S", StartBit: 7, BitLength: 8, ByteOrder: BigEndian, Scale: 1, Offset: -40},
			payload: nil,
			want:    -40,
		},
		{
			name:    "full 64 bit unsigned",
			signal:  Signal{Name: "S", StartBit: 0, BitLength: 64, ByteOrder: LittleEndian, Scale: 1},
			payload: []byte{0, 0, 0, 0, 0, 0, 0, 0x80},
			want:    math.Ldexp(1, 63),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCatalog()
			m := &Message{ID: 1, Name: "M", Length: 8, Signals: []Signal{tt.signal}}
			c.messages = append(c.messages, m)
			c.index[keyOf(1, false)] = m

			got := c.DecodeFrame(1, tt.payload)
			require.Len(t, got, 1)
			assert.InDelta(t, tt.want, got[0].Value, 1e-9)
		})
	}
}

func TestDecodeFrameFromFile(t *testing.T) {
	c, err := LoadFile("testdata/vehicle.dbc", Options{})
	require.NoError(t, err)

	// EngineSpeed 0x1F40*0.25=2000, Coolant 0x82-40=90, Torque bits 31..20 = 0xFF6 → -10*0.5
	payload := []byte{0x40, 0x1F, 0x82, 0xFF, 0x60, 0, 0, 0}
	got := c.DecodeFrame(0x100, payload)

	want := []core.SignalValue{
		{Name: "EngineSpeed", Value: 2000, Unit: "rpm"},
		{Name: "CoolantTemp", Value: 90, Unit: "degC"},
		{Name: "Torque", Value: -5, Unit: "Nm"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DecodeFrame mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeUnknownID(t *testing.T) {
	c, err := LoadFile("testdata/vehicle.dbc", Options{})
	require.NoError(t, err)
	assert.Empty(t, c.DecodeFrame(0x7FF, []byte{1, 2, 3}))
}

func TestStandardAndExtendedSameID(t *testing.T) {
	const dbc = `
BO_ 256 Standard: 2 ECU
 SG_ A : 0|8@1+ (1,0) [0|255] "" X
BO_ 2147483904 Extended: 2 ECU
 SG_ B : 0|16@1+ (2,0) [0|131070] "" X
CM_ BO_ 2147483904 "29-bit twin";
`
	c, err := Parse(dbc)
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())
	assert.Empty(t, c.Warnings())

	std, ok := c.Message(0x100)
	require.True(t, ok)
	assert.Equal(t, "Standard", std.Name)
	assert.Empty(t, std.Description)

	ext, ok := c.Lookup(0x100, true)
	require.True(t, ok)
	assert.Equal(t, "Extended", ext.Name)
	assert.Equal(t, "29-bit twin", ext.Description)

	f := core.NewFrame(0x100, []byte{0x01, 0x02})
	require.Len(t, c.Decode(f), 1)
	assert.Equal(t, "A", c.Decode(f)[0].Name)

	f.Extended = true
	got := c.Decode(f)
	require.Len(t, got, 1)
	assert.Equal(t, "B", got[0].Name)
	assert.Equal(t, 1026.0, got[0].Value)
}

func TestDecodeIsPure(t *testing.T) {
	c, err := LoadFile("testdata/vehicle.dbc", Options{})
	require.NoError(t, err)

	payload := []byte{0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC, 0xDE, 0xF0}
	snapshot := append([]byte(nil), payload...)

	first := c.DecodeFrame(0x100, payload)
	second := c.DecodeFrame(0x100, payload)

	assert.Equal(t, first, second)
	assert.Equal(t, snapshot, payload, "decode must not modify the payload")
}

func TestExtractRawFitsBitLength(t *testing.T) {
	payload := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	for _, order := range []ByteOrder{LittleEndian, BigEndian} {
		for length := 1; length <= 64; length++ {
			for start := 0; start < 64; start += 7 {
				s := &Signal{StartBit: start, BitLength: length, ByteOrder: order, Scale: 1}
				raw := ExtractRaw(s, payload)
				if length < 64 && raw >= uint64(1)<<uint(length) {
					t.Fatalf("%s start=%d len=%d: raw %d does not fit", order, start, length, raw)
				}
			}
		}
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	c, err := LoadFile("testdata/vehicle.dbc", Options{})
	require.NoError(t, err)

	values := map[string]float64{"EngineSpeed": 2000, "CoolantTemp": 90, "Torque": -5}
	payload, err := c.Encode(0x100, values)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x40, 0x1F, 0x82, 0xFF, 0x60, 0, 0, 0}, payload)

	for _, sv := range c.DecodeFrame(0x100, payload) {
		assert.InDelta(t, values[sv.Name], sv.Value, 1e-9, sv.Name)
	}
}

func TestEncodeErrors(t *testing.T) {
	c, err := LoadFile("testdata/vehicle.dbc", Options{})
	require.NoError(t, err)

	_, err = c.Encode(0x999, nil)
	assert.Error(t, err)

	_, err = c.Encode(0x100, map[string]float64{"Nope": 1})
	assert.Error(t, err)
}

func TestRawClamps(t *testing.T) {
	s := &Signal{Name: "T", BitLength: 8, Scale: 1, Signed: true}
	raw, err := s.Raw(-1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x80), raw)

	u := &Signal{Name: "U", BitLength: 4, Scale: 1}
	raw, err = u.Raw(99)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xF), raw)

	_, err = (&Signal{Name: "Z", BitLength: 8}).Raw(1)
	assert.Error(t, err)
}
