package transport

import "fmt"

// Status is a driver status code. Values follow the PCAN-Basic error bit layout so
// codes read the same in logs whichever driver produced them.
type Status uint32

const (
	StatusOK           Status = 0x00000
	StatusXmtFull      Status = 0x00001
	StatusOverrun      Status = 0x00002
	StatusBusLight     Status = 0x00004
	StatusBusHeavy     Status = 0x00008
	StatusBusOff       Status = 0x00010
	StatusQRcvEmpty    Status = 0x00020
	StatusQOverrun     Status = 0x00040
	StatusQXmtFull     Status = 0x00080
	StatusRegTest      Status = 0x00100
	StatusNoDriver     Status = 0x00200
	StatusHwInUse      Status = 0x00400
	StatusNetInUse     Status = 0x00800
	StatusIllHw        Status = 0x01400
	StatusIllNet       Status = 0x01800
	StatusIllClient    Status = 0x01C00
	StatusResource     Status = 0x02000
	StatusIllParamType Status = 0x04000
	StatusIllParamVal  Status = 0x08000
	StatusUnknown      Status = 0x10000
	StatusIllData      Status = 0x20000
	StatusBusPassive   Status = 0x40000
	StatusIllMode      Status = 0x80000
	StatusCaution      Status = 0x2000000
	StatusInitialize   Status = 0x4000000
	StatusIllOperation Status = 0x8000000
)

var descriptions = map[Status]string{
	StatusOK:           "No error",
	StatusXmtFull:      "Transmit buffer in CAN controller is full",
	StatusOverrun:      "CAN controller was read too late",
	StatusBusLight:     "Bus error: error counter reached 'light' limit",
	StatusBusHeavy:     "Bus error: error counter reached 'heavy' limit",
	StatusBusPassive:   "Bus error: controller is error passive",
	StatusBusOff:       "Bus error: controller is in bus-off state",
	StatusQRcvEmpty:    "Receive queue is empty",
	StatusQOverrun:     "Receive queue was read too late",
	StatusQXmtFull:     "Transmit queue is full",
	StatusRegTest:      "Hardware register test failed (no hardware found)",
	StatusNoDriver:     "Driver not loaded",
	StatusHwInUse:      "Hardware already in use",
	StatusNetInUse:     "Network already in use",
	StatusIllHw:        "Invalid hardware handle",
	StatusIllNet:       "Invalid network handle",
	StatusIllClient:    "Invalid client handle",
	StatusResource:     "Resource (FIFO, Client, timeout) cannot be created",
	StatusIllParamType: "Invalid parameter type",
	StatusIllParamVal:  "Invalid parameter value",
	StatusUnknown:      "Unknown error",
	StatusIllData:      "Invalid data or action",
	StatusIllMode:      "Invalid driver mode for operation",
	StatusCaution:      "Operation successful, but irregularities registered",
	StatusInitialize:   "Channel not initialized",
	StatusIllOperation: "Invalid operation for current driver state",
}

// Description returns the human readable meaning of s.
func (s Status) Description() string {
	if d, ok := descriptions[s]; ok {
		return d
	}
	return fmt.Sprintf("Undefined error code: 0x%X", uint32(s))
}

func (s Status) String() string {
	return fmt.Sprintf("0x%05X (%s)", uint32(s), s.Description())
}

// IsTransient reports whether the producer should retry instead of failing:
// an empty receive queue or one of the overrun codes.
func (s Status) IsTransient() bool {
	switch s {
	case StatusQRcvEmpty, StatusOverrun, StatusQOverrun:
		return true
	}
	return false
}

// IsOverrun reports whether s asks for a buffer reset.
func (s Status) IsOverrun() bool {
	return s == StatusOverrun || s == StatusQOverrun
}
