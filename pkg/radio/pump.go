package radio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Archie3d/lora-mesh-node/pkg/pool"
	"github.com/Archie3d/lora-mesh-node/pkg/queue"
	"github.com/Archie3d/lora-mesh-node/pkg/types"
	"github.com/charmbracelet/log"
	"github.com/soypat/lora"
)

var (
	ErrTxQueueFull = errors.New("outbound queue full")
	ErrNoRadio     = errors.New("radio not available")
)

// SignalRecorder stores link quality against an existing node row. It is
// called from interrupt context and must not block.
type SignalRecorder interface {
	RecordSignal(num types.NodeNum, snr float32, frequencyError int32) bool
}

type Stats struct {
	TxGood    uint32
	TxDropped uint32
	RxGood    uint32
	RxBad     uint32
	RxDropped uint32
	Airtime   time.Duration
}

type PumpConfig struct {
	Driver  Transceiver
	Pool    *pool.Pool[PacketRecord]
	TxQueue *queue.Queue[pool.Handle]
	RxQueue *queue.Queue[pool.Handle]
	OwnNum  func() types.NodeNum
	Signals SignalRecorder
	LoRa    lora.Config
}

// Pump moves packet records between the queues and the transceiver.
//
// Send runs in task context, HandleInterrupt in interrupt context. Both take
// mu, which plays the role of masking the radio interrupt, so neither ever
// observes the other half way through.
type Pump struct {
	mu sync.Mutex

	driver  Transceiver
	pool    *pool.Pool[PacketRecord]
	txQueue *queue.Queue[pool.Handle]
	rxQueue *queue.Queue[pool.Handle]
	ownNum  func() types.NodeNum
	signals SignalRecorder
	loraCfg lora.Config

	// Record currently on air; zero when not transmitting.
	sending pool.Handle

	disabled bool
	stats    Stats
}

func NewPump(config PumpConfig) *Pump {
	return &Pump{
		driver:  config.Driver,
		pool:    config.Pool,
		txQueue: config.TxQueue,
		rxQueue: config.RxQueue,
		ownNum:  config.OwnNum,
		signals: config.Signals,
		loraCfg: config.LoRa,
	}
}

// Init brings the transceiver up and starts listening. When that fails the
// pump stays usable without a radio: every Send reports ErrNoRadio.
func (p *Pump) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.driver.OnInterrupt(p.HandleInterrupt)

	if err := p.driver.Init(); err != nil {
		p.disabled = true
		return fmt.Errorf("%w: %w", ErrNoRadio, err)
	}

	if err := p.driver.StartReceive(); err != nil {
		p.disabled = true
		return fmt.Errorf("%w: %w", ErrNoRadio, err)
	}

	return nil
}

// Send transmits the record behind h, or queues it when the radio is busy.
// It never blocks. On any error the record has already been released.
func (p *Pump) Send(h pool.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := p.pool.Get(h)
	if rec == nil {
		return pool.ErrStaleHandle
	}

	if p.disabled {
		p.release(h)
		return ErrNoRadio
	}

	if !rec.HasPayload {
		p.release(h)
		return ErrNoPayload
	}

	if p.canSendImmediately() {
		return p.startSend(h)
	}

	if !p.txQueue.Enqueue(h, 0) {
		p.release(h)
		p.stats.TxDropped++
		return ErrTxQueueFull
	}

	return nil
}

func (p *Pump) canSendImmediately() bool {
	if !p.sending.IsZero() {
		return false
	}

	switch p.driver.Mode() {
	case ModeIdle:
		return true
	case ModeRx:
		return !p.driver.IsReceiving()
	}

	return false
}

// startSend puts a record on air. The record is released on failure.
func (p *Pump) startSend(h pool.Handle) error {
	rec := p.pool.Get(h)

	frame, err := EncodeFrame(rec, p.ownNum())
	if err != nil {
		p.release(h)
		p.stats.TxDropped++
		return err
	}

	if err := p.driver.StartTransmit(frame); err != nil {
		p.release(h)
		p.stats.TxDropped++
		return err
	}

	p.sending = h
	p.stats.Airtime += p.loraCfg.TimeOnAir(len(frame))

	log.With("to", rec.To, "id", rec.Id, "len", len(frame)).Debug("Transmitting")

	return nil
}

// HandleInterrupt is the transceiver's interrupt handler.
func (p *Pump) HandleInterrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disabled {
		return
	}

	frame, received := p.driver.Service()

	if p.driver.Mode() != ModeIdle {
		return
	}

	if !p.sending.IsZero() {
		p.releaseFromInterrupt(p.sending)
		p.sending = pool.Handle{}
		p.stats.TxGood++
	}

	if received {
		p.handleReceived(frame)
	}

	p.handleIdle()
}

func (p *Pump) handleReceived(frame *RxFrame) {
	h, ok := p.pool.AllocateFromInterrupt()
	if !ok {
		p.stats.RxDropped++
		return
	}

	rec := p.pool.Get(h)
	if err := DecodeHeader(frame.Data, rec); err != nil {
		p.releaseFromInterrupt(h)
		p.stats.RxBad++
		return
	}

	rec.RxSnr = frame.SNR
	rec.RxRssi = frame.RSSI
	rec.FrequencyError = frame.FrequencyError

	if p.signals != nil {
		p.signals.RecordSignal(rec.From, frame.SNR, frame.FrequencyError)
	}

	if err := DecodePayload(frame.Data[HeaderLen:], rec); err != nil {
		log.With("err", err).Debug("Dropping undecodable frame")
		p.releaseFromInterrupt(h)
		p.stats.RxBad++
		return
	}

	if ok, _ := p.rxQueue.EnqueueFromInterrupt(h); !ok {
		p.releaseFromInterrupt(h)
		p.stats.RxDropped++
		return
	}

	p.stats.RxGood++
}

// handleIdle starts the next queued transmission, or goes back to listening.
func (p *Pump) handleIdle() {
	for {
		h, ok, _ := p.txQueue.DequeueFromInterrupt()
		if !ok {
			break
		}

		err := p.startSend(h)
		if err == nil {
			return
		}

		log.With("err", err).Warn("Dropping queued packet")
	}

	if err := p.driver.StartReceive(); err != nil {
		log.With("err", err).Error("Failed to restart receiver")
	}
}

// CanSleep reports that nothing is on air, nothing is arriving and nothing
// waits to be sent.
func (p *Pump) CanSleep() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.driver.Mode() {
	case ModeInitialising, ModeIdle, ModeRx:
	default:
		return false
	}

	return !p.driver.IsReceiving() && p.txQueue.IsEmpty()
}

func (p *Pump) Sleep() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disabled {
		return ErrNoRadio
	}

	return p.driver.Sleep()
}

func (p *Pump) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.stats
}

func (p *Pump) HasRadio() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return !p.disabled
}

func (p *Pump) release(h pool.Handle) {
	if err := p.pool.Release(h); err != nil {
		log.With("err", err).Error("Packet released twice")
	}
}

func (p *Pump) releaseFromInterrupt(h pool.Handle) {
	if err := p.pool.ReleaseFromInterrupt(h); err != nil {
		log.With("err", err).Error("Packet released twice")
	}
}
