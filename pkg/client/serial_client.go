package client

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Archie3d/lora-mesh-node/pkg/types"
	"go.bug.st/serial"
)

const (
	DEFAULT_BAUD_RATE = 115200

	START         = 0xAA
	ESCAPE        = 0x7D
	ESCAPE_START  = 0x8A
	ESCAPE_ESCAPE = 0x5D

	// Largest payload the modem firmware accepts in one message.
	MAX_PAYLOAD_LENGTH = 512
)

var (
	ErrPortClosed     = errors.New("port is not open")
	ErrCrcMismatch    = errors.New("CRC mismatch")
	ErrInvalidEscape  = errors.New("invalid escape sequence")
	ErrPayloadTooLong = errors.New("message payload too long")
)

func crc16(crc0 uint16, data []byte) uint16 {
	crc := crc0
	for _, b := range data {
		a := (crc >> 8) ^ uint16(b)
		crc = (a << 2) ^ (a << 1) ^ a ^ (crc << 8)
	}
	return crc
}

func appendEscaped(dst []byte, data []byte) []byte {
	for _, b := range data {
		switch b {
		case START:
			dst = append(dst, ESCAPE, ESCAPE_START)
		case ESCAPE:
			dst = append(dst, ESCAPE, ESCAPE_ESCAPE)
		default:
			dst = append(dst, b)
		}
	}
	return dst
}

type Message struct {
	Type    byte
	Payload []byte
}

// EncodeMessage produces the on-wire frame for a message:
// START, then escaped type, little-endian length, payload and CRC16.
func EncodeMessage(message *Message) ([]byte, error) {
	if len(message.Payload) > MAX_PAYLOAD_LENGTH {
		return nil, ErrPayloadTooLong
	}

	body := make([]byte, 0, len(message.Payload)+5)
	body = append(body, message.Type)

	payloadLength := uint16(len(message.Payload))
	body = append(body, byte(payloadLength&0xFF), byte(payloadLength>>8))
	body = append(body, message.Payload...)

	crc := crc16(0, body)
	body = append(body, byte(crc&0xFF), byte(crc>>8))

	frame := make([]byte, 1, 2*len(body)+1)
	frame[0] = START

	return appendEscaped(frame, body), nil
}

// SerialClient frames messages over a byte stream. The stream is normally a
// serial port, but any io.ReadWriteCloser will do.
type SerialClient struct {
	writeMutex sync.Mutex
	port       io.ReadWriteCloser
	closed     atomic.Bool
	buf        [1]byte
}

func NewSerialClient() *SerialClient {
	return &SerialClient{}
}

func (c *SerialClient) Open(portName string) error {
	mode := &serial.Mode{
		BaudRate: DEFAULT_BAUD_RATE,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return err
	}

	if err := port.SetReadTimeout(time.Second); err != nil {
		port.Close()
		return err
	}

	c.port = port
	c.closed.Store(false)
	return nil
}

// Attach uses an already open stream instead of a serial port.
func (c *SerialClient) Attach(port io.ReadWriteCloser) {
	c.port = port
	c.closed.Store(false)
}

// Close may be called while another goroutine is blocked in ReceiveMessage;
// the pending read then fails and the port is not reused.
func (c *SerialClient) Close() error {
	if c.port == nil || c.closed.Swap(true) {
		return nil
	}

	return c.port.Close()
}

func (c *SerialClient) IsOpen() bool {
	return c.port != nil && !c.closed.Load()
}

// A serial port read that times out returns no data and no error.
func (c *SerialClient) readByte() (byte, error) {
	if !c.IsOpen() {
		return 0, ErrPortClosed
	}

	n, err := c.port.Read(c.buf[:])
	if err != nil {
		return 0, err
	}

	if n != 1 {
		return 0, &types.TimeoutError{}
	}

	return c.buf[0], nil
}

func (c *SerialClient) recvByte() (byte, error) {
	b, err := c.readByte()
	if err != nil || b != ESCAPE {
		return b, err
	}

	b, err = c.readByte()
	if err != nil {
		return 0, err
	}

	switch b {
	case ESCAPE_START:
		return START, nil
	case ESCAPE_ESCAPE:
		return ESCAPE, nil
	}

	return 0, ErrInvalidEscape
}

/*
Send an unstructured message to the serial port.
*/
func (c *SerialClient) SendMessage(message *Message) error {
	if !c.IsOpen() {
		return ErrPortClosed
	}

	frame, err := EncodeMessage(message)
	if err != nil {
		return err
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	n, err := c.port.Write(frame)
	if err != nil {
		return err
	}

	if n < len(frame) {
		return &types.TimeoutError{}
	}

	return nil
}

/*
Receive an unstructured message from the serial port.
Bytes preceding the start marker are discarded.
*/
func (c *SerialClient) ReceiveMessage() (*Message, error) {
	for {
		// The start marker is never escaped, so look at raw bytes here.
		b, err := c.readByte()
		if err != nil {
			return nil, err
		}
		if b == START {
			break
		}
	}

	var header [3]byte
	for i := range header {
		b, err := c.recvByte()
		if err != nil {
			return nil, err
		}
		header[i] = b
	}

	payloadLength := int(header[1]) | int(header[2])<<8
	if payloadLength > MAX_PAYLOAD_LENGTH {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLong, payloadLength)
	}

	payload := make([]byte, payloadLength)
	for i := range payload {
		b, err := c.recvByte()
		if err != nil {
			return nil, err
		}
		payload[i] = b
	}

	var crcBytes [2]byte
	for i := range crcBytes {
		b, err := c.recvByte()
		if err != nil {
			return nil, err
		}
		crcBytes[i] = b
	}

	calculatedCrc := crc16(crc16(0, header[:]), payload)
	crc := uint16(crcBytes[1])<<8 | uint16(crcBytes[0])

	if crc != calculatedCrc {
		return nil, ErrCrcMismatch
	}

	return &Message{
		Type:    header[0],
		Payload: payload,
	}, nil
}
