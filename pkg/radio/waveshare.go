package radio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Archie3d/lora-mesh-node/pkg/client"
	"github.com/Archie3d/lora-mesh-node/pkg/types"
	"github.com/charmbracelet/log"
)

const requestTimeout = time.Second

// ModemLink is the request/event channel to a Waveshare USB LoRa modem.
// client.ApiClient implements it.
type ModemLink interface {
	SendRequest(msg client.ApiMessage, timeout time.Duration) (client.ApiMessage, error)
	Events() <-chan client.ApiMessage
}

// Waveshare drives the modem as a Transceiver. Unsolicited modem events
// (packet received, packet transmitted, timeout) act as the interrupt line.
type Waveshare struct {
	link   ModemLink
	config RadioConfiguration

	mode atomic.Int32
	rssi atomic.Int32

	mutex    sync.Mutex
	handler  func()
	pending  *RxFrame
	txDone   bool
	timedOut bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWaveshare(link ModemLink, config RadioConfiguration) *Waveshare {
	return &Waveshare{
		link:   link,
		config: config,
	}
}

func (w *Waveshare) request(msg client.ApiMessage) (client.ApiMessage, error) {
	res, err := w.link.SendRequest(msg, requestTimeout)
	if err != nil {
		return nil, fmt.Errorf("%T: %w", msg, err)
	}
	return res, nil
}

func (w *Waveshare) Init() error {
	w.mode.Store(int32(ModeInitialising))

	cfg := &w.config
	txParams := cfg.Power.TxParameters()

	requests := []client.ApiMessage{
		// Drop to standby once a packet is sent or received, so every
		// operation ends with an event and an explicit decision of what next.
		&client.RxTxFallbackMode{FallbackMode: client.FALLBACK_STANDBY_XOSC},
		&txParams,
		&client.LoRaParameters{
			SpreadingFactor: byte(cfg.SpreadingFactor),
			Bandwidth:       cfg.Bandwidth.ModemCode(),
			CodingRate:      byte(cfg.CodingRate),
			LowDataRate:     cfg.LowDataRateOptimize(),
		},
		&client.LoRaPacketParameters{
			PreambleLength: cfg.PreambleLength,
			SyncWord:       cfg.SyncWord,
			CrcOn:          true,
		},
		&client.RxParameters{RxBoost: true},
	}

	if cfg.Frequency != 0 {
		requests = append(requests, &client.RadioFrequency{Frequency_Hz: cfg.Frequency})
	}

	for _, req := range requests {
		if _, err := w.request(req); err != nil {
			return err
		}
	}

	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.wg.Go(w.handleEvents)

	w.mode.Store(int32(ModeIdle))

	log.With(
		"frequency", cfg.Frequency,
		"sf", cfg.SpreadingFactor,
		"bw", cfg.Bandwidth,
		"power", cfg.Power,
	).Info("Modem initialised")

	return nil
}

// Close stops event handling and puts the modem in standby.
func (w *Waveshare) Close() error {
	if w.cancel == nil {
		return nil
	}

	w.cancel()
	w.wg.Wait()

	_, err := w.request(&client.Standby{StandbyMode: client.STANDBY_XOSC})
	return err
}

func (w *Waveshare) Mode() Mode {
	return Mode(w.mode.Load())
}

// The modem only reports a reception once the packet is complete; a packet
// counts as arriving until the interrupt handler has collected it.
func (w *Waveshare) IsReceiving() bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.pending != nil
}

func (w *Waveshare) StartTransmit(frame []byte) error {
	res, err := w.request(&client.Transmit{
		Timeout_ms: uint32(w.config.TxTimeout.Or(3*time.Second) / time.Millisecond),
		Data:       frame,
	})
	if err != nil {
		return err
	}

	if tx, ok := res.(*client.Transmit); ok && tx.Busy {
		return &types.BusyError{}
	}

	w.mode.Store(int32(ModeTx))
	return nil
}

func (w *Waveshare) StartReceive() error {
	if _, err := w.request(&client.SwitchToRx{}); err != nil {
		return err
	}

	w.mode.Store(int32(ModeRx))
	return nil
}

func (w *Waveshare) Service() (*RxFrame, bool) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if Mode(w.mode.Load()) == ModeTx {
		// The modem left Rx when the transmission started, so a reception
		// still queued from before is stale. Only the modem ends a transmit.
		if w.pending != nil {
			log.Debug("Dropping reception completed before transmit")
			w.pending = nil
		}
		if w.txDone || w.timedOut {
			w.txDone = false
			w.timedOut = false
			w.mode.Store(int32(ModeIdle))
		}
		return nil, false
	}

	if w.pending != nil {
		frame := w.pending
		w.pending = nil
		w.mode.Store(int32(ModeIdle))
		return frame, true
	}

	if w.txDone || w.timedOut {
		w.txDone = false
		w.timedOut = false
		w.mode.Store(int32(ModeIdle))
	}

	return nil, false
}

func (w *Waveshare) OnInterrupt(handler func()) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.handler = handler
}

func (w *Waveshare) Sleep() error {
	if _, err := w.request(&client.Standby{StandbyMode: client.STANDBY_RC}); err != nil {
		return err
	}

	w.mode.Store(int32(ModeIdle))
	return nil
}

// RSSI is the last continuous RSSI reading in dBm.
func (w *Waveshare) RSSI() int32 {
	return w.rssi.Load()
}

func (w *Waveshare) handleEvents() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case ev := <-w.link.Events():
			if w.handleEvent(ev) {
				w.interrupt()
			}
		}
	}
}

func (w *Waveshare) handleEvent(ev client.ApiMessage) bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	switch e := ev.(type) {
	case *client.PacketReceived:
		w.pending = &RxFrame{
			Data: e.Data,
			SNR:  float32(e.PacketSNR_dB),
			RSSI: int32(e.PacketRSSI_dBm),
		}
	case *client.PacketTransmitted:
		log.With("time_on_air_ms", e.TimeOnAir_ms).Debug("Packet transmitted")
		w.txDone = true
	case *client.RxTxTimeout:
		log.Warn("Modem rx/tx timeout")
		w.timedOut = true
	case *client.ContinuousRSSI:
		w.rssi.Store(int32(e.RSSI_dBm))
		return false
	default:
		return false
	}

	return true
}

func (w *Waveshare) interrupt() {
	w.mutex.Lock()
	handler := w.handler
	w.mutex.Unlock()

	if handler != nil {
		handler()
	}
}
