package radio

// Mode is the transceiver's current operating state.
type Mode int32

const (
	ModeInitialising Mode = iota
	ModeIdle
	ModeRx
	ModeTx
)

func (m Mode) String() string {
	switch m {
	case ModeInitialising:
		return "initialising"
	case ModeIdle:
		return "idle"
	case ModeRx:
		return "rx"
	case ModeTx:
		return "tx"
	}
	return "unknown"
}

// RxFrame is a frame as the transceiver delivered it, with link quality.
type RxFrame struct {
	Data           []byte
	SNR            float32
	RSSI           int32
	FrequencyError int32
}

// Transceiver is a half-duplex packet radio. The driver raises its interrupt
// callback whenever an operation finishes; the callback runs in interrupt
// context and must call Service to collect the result.
type Transceiver interface {
	Init() error
	Mode() Mode

	// IsReceiving reports that a frame is being received right now.
	IsReceiving() bool

	StartTransmit(frame []byte) error
	StartReceive() error

	// Service finishes the operation that raised the interrupt. When it was
	// a reception the frame is returned. The transceiver is idle afterwards
	// unless another operation is still running.
	Service() (*RxFrame, bool)

	OnInterrupt(handler func())
	Sleep() error
}
