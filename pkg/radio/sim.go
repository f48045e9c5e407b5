package radio

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Archie3d/lora-mesh-node/pkg/types"
	"github.com/soypat/lora"
)

var ErrSimInitFailed = errors.New("simulated radio failed to initialise")

// TxRecord is one frame put on the simulated air.
type TxRecord struct {
	Radio   string
	Frame   []byte
	Airtime time.Duration
}

type transmission struct {
	sender *SimRadio
	frame  []byte
}

// Ether is an in-memory shared medium. Transmitted frames stay in flight
// until Flush delivers them to every radio that is listening at that time.
type Ether struct {
	mutex    sync.Mutex
	radios   []*SimRadio
	inFlight []transmission
	txLog    []TxRecord
	loraCfg  lora.Config
}

func NewEther(loraCfg lora.Config) *Ether {
	return &Ether{loraCfg: loraCfg}
}

type SimOption func(r *SimRadio)

// WithFailingInit makes Init report an error, as a missing radio would.
func WithFailingInit() SimOption {
	return func(r *SimRadio) {
		r.failInit = true
	}
}

// WithLinkQuality sets the SNR and RSSI reported for frames this radio hears.
func WithLinkQuality(snr float32, rssi int32) SimOption {
	return func(r *SimRadio) {
		r.snr = snr
		r.rssi = rssi
	}
}

func (e *Ether) NewRadio(name string, opts ...SimOption) *SimRadio {
	r := &SimRadio{
		name:  name,
		ether: e,
		snr:   9.5,
		rssi:  -40,
	}

	for _, opt := range opts {
		opt(r)
	}

	e.mutex.Lock()
	e.radios = append(e.radios, r)
	e.mutex.Unlock()

	return r
}

func (e *Ether) transmit(sender *SimRadio, frame []byte) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.inFlight = append(e.inFlight, transmission{sender: sender, frame: frame})
	e.txLog = append(e.txLog, TxRecord{
		Radio:   sender.name,
		Frame:   frame,
		Airtime: e.loraCfg.TimeOnAir(len(frame)),
	})
}

// Flush ends every transmission in flight. Senders finish first, then each
// frame reaches the radios that are listening. Interrupt handlers run
// outside of any ether lock, so they may start new transmissions, which stay
// in flight until the next Flush. It returns the number of frames flushed.
func (e *Ether) Flush() int {
	e.mutex.Lock()
	batch := e.inFlight
	e.inFlight = nil
	radios := append([]*SimRadio(nil), e.radios...)
	e.mutex.Unlock()

	for _, tx := range batch {
		tx.sender.finishTransmit()
	}

	for _, tx := range batch {
		for _, r := range radios {
			if r != tx.sender {
				r.deliver(tx.frame)
			}
		}
	}

	return len(batch)
}

// FlushAll flushes until nothing is in flight, up to maxRounds times.
func (e *Ether) FlushAll(maxRounds int) int {
	total := 0
	for range maxRounds {
		n := e.Flush()
		if n == 0 {
			break
		}
		total += n
	}
	return total
}

// Run flushes the medium periodically until ctx is done.
func (e *Ether) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Flush()
		}
	}
}

func (e *Ether) InFlight() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return len(e.inFlight)
}

// TxLog returns every frame transmitted so far, oldest first.
func (e *Ether) TxLog() []TxRecord {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return append([]TxRecord(nil), e.txLog...)
}

// TxLogFrom returns the frames whose header source byte is from.
func (e *Ether) TxLogFrom(from types.NodeNum) []TxRecord {
	var out []TxRecord
	for _, tx := range e.TxLog() {
		if len(tx.Frame) >= HeaderLen && types.NodeNum(tx.Frame[1]) == from {
			out = append(out, tx)
		}
	}
	return out
}

func (e *Ether) ClearTxLog() {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.txLog = nil
}

//------------------------------------------------------------------------------

// SimRadio is a Transceiver attached to an Ether.
type SimRadio struct {
	name  string
	ether *Ether

	mutex    sync.Mutex
	mode     Mode
	handler  func()
	pending  *RxFrame
	txDone   bool
	asleep   bool
	failInit bool
	snr      float32
	rssi     int32
}

func (r *SimRadio) Init() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.failInit {
		return ErrSimInitFailed
	}

	r.mode = ModeIdle
	return nil
}

func (r *SimRadio) Mode() Mode {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.mode
}

// IsReceiving is true while a delivered frame waits to be serviced.
func (r *SimRadio) IsReceiving() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.pending != nil
}

func (r *SimRadio) StartTransmit(frame []byte) error {
	r.mutex.Lock()
	if r.mode == ModeTx || r.mode == ModeInitialising {
		r.mutex.Unlock()
		return &types.BusyError{}
	}
	r.mode = ModeTx
	r.asleep = false
	r.mutex.Unlock()

	r.ether.transmit(r, append([]byte(nil), frame...))
	return nil
}

func (r *SimRadio) StartReceive() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.mode == ModeInitialising {
		return &types.BusyError{}
	}

	r.mode = ModeRx
	r.asleep = false
	return nil
}

func (r *SimRadio) Service() (*RxFrame, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	switch {
	case r.mode == ModeTx && r.txDone:
		r.txDone = false
		r.mode = ModeIdle
	case r.mode == ModeRx && r.pending != nil:
		frame := r.pending
		r.pending = nil
		r.mode = ModeIdle
		return frame, true
	}

	return nil, false
}

func (r *SimRadio) OnInterrupt(handler func()) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.handler = handler
}

func (r *SimRadio) Sleep() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.asleep = true
	r.mode = ModeIdle
	return nil
}

func (r *SimRadio) IsAsleep() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.asleep
}

func (r *SimRadio) finishTransmit() {
	r.mutex.Lock()
	r.txDone = true
	handler := r.handler
	r.mutex.Unlock()

	if handler != nil {
		handler()
	}
}

// deliver hands a frame to the radio if it is listening; otherwise the
// frame is missed.
func (r *SimRadio) deliver(frame []byte) {
	r.mutex.Lock()
	if r.mode != ModeRx || r.asleep || r.pending != nil {
		r.mutex.Unlock()
		return
	}

	r.pending = &RxFrame{
		Data: append([]byte(nil), frame...),
		SNR:  r.snr,
		RSSI: r.rssi,
	}
	handler := r.handler
	r.mutex.Unlock()

	if handler != nil {
		handler()
	}
}
