package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Archie3d/lora-mesh-node/pkg/types"
	"github.com/charmbracelet/log"
)

const eventBacklog = 16

// ApiClient talks to the modem. Responses to requests and unsolicited
// device events are separated: requests are answered through SendRequest,
// events are delivered on Events().
type ApiClient struct {
	serial *SerialClient
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// One request in flight at a time.
	requestMutex sync.Mutex

	recv   chan ApiMessage
	events chan ApiMessage
}

func NewApiClient() *ApiClient {
	return &ApiClient{
		serial: NewSerialClient(),
		recv:   make(chan ApiMessage, 1),
		events: make(chan ApiMessage, eventBacklog),
	}
}

func (c *ApiClient) Open(portName string) error {
	if c.serial.IsOpen() {
		return fmt.Errorf("serial port already open")
	}

	if err := c.serial.Open(portName); err != nil {
		return err
	}

	c.start()

	return nil
}

// Attach runs the client over an already open stream.
func (c *ApiClient) Attach(port io.ReadWriteCloser) {
	c.serial.Attach(port)
	c.start()
}

func (c *ApiClient) start() {
	c.ctx, c.cancel = context.WithCancel(context.Background())

	// Receive data from device
	c.wg.Go(func() {
		for c.ctx.Err() == nil {
			msg, err := c.serial.ReceiveMessage()
			if err != nil {
				var timeout *types.TimeoutError
				if errors.As(err, &timeout) {
					continue
				}

				if errors.Is(err, ErrCrcMismatch) || errors.Is(err, ErrInvalidEscape) || errors.Is(err, ErrPayloadTooLong) {
					log.With("err", err).Warn("Dropping corrupted modem message")
					continue
				}

				if c.ctx.Err() == nil {
					log.With("err", err).Error("Modem link failed")
				}
				return
			}

			if err := c.handleMessage(msg); err != nil {
				log.With("err", err).Debug("Ignoring modem message")
			}
		}
	})
}

func (c *ApiClient) Close() error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()

	// Closing the port unblocks the reader.
	err := c.serial.Close()
	c.wg.Wait()

	return err
}

// Events delivers packet received, packet transmitted, timeout and RSSI
// notifications from the device.
func (c *ApiClient) Events() <-chan ApiMessage {
	return c.events
}

func (c *ApiClient) handleMessage(message *Message) error {
	msg, err := NewMessage(message.Type)
	if err != nil {
		return err
	}

	if err := msg.DeserializeResponse(message); err != nil {
		return err
	}

	if logging, ok := msg.(*Logging); ok {
		log.With("text", logging.Text).Debug("Modem")
		return nil
	}

	if IsUnsolicited(message.Type) {
		select {
		case c.events <- msg:
		default:
			log.With("type", fmt.Sprintf("0x%02x", message.Type)).Warn("Modem event backlog full, dropping event")
		}
		return nil
	}

	select {
	case c.recv <- msg:
	default:
		// Nobody is waiting: a late answer to a request that timed out.
	}

	return nil
}

// SendMessage writes a message without waiting for the answer.
func (c *ApiClient) SendMessage(msg ApiMessage) error {
	message := msg.SerializeRequest()
	return c.serial.SendMessage(&message)
}

// SendRequest writes a request and waits for the response of the matching
// type. A missing response is reported as types.TimeoutError.
func (c *ApiClient) SendRequest(msg ApiMessage, timeout time.Duration) (ApiMessage, error) {
	c.requestMutex.Lock()
	defer c.requestMutex.Unlock()

	// Drop a stale answer left over from an earlier timed out request.
	select {
	case <-c.recv:
	default:
	}

	request := msg.SerializeRequest()
	if err := c.serial.SendMessage(&request); err != nil {
		return nil, err
	}

	expected := ResponseType(request.Type)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case res := <-c.recv:
			if responseTypeOf(res) == expected {
				return res, nil
			}
		case <-timer.C:
			return nil, &types.TimeoutError{}
		}
	}
}

func responseTypeOf(msg ApiMessage) byte {
	return ResponseType(msg.SerializeRequest().Type)
}
