package p2p

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ccoin/privutxo/internal/protocol"
	"github.com/ccoin/privutxo/pkg/types"
)

// Message types
const (
	MsgTypeDeposit  uint8 = 0x01
	MsgTypeSplit    uint8 = 0x02
	MsgTypeTransfer uint8 = 0x03
	MsgTypeWithdraw uint8 = 0x04
	MsgTypeStatus   uint8 = 0x20
)

// Message errors
var (
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrMessageTooLarge    = errors.New("message too large")
	ErrShortMessage       = errors.New("message too short")
)

// MaxMessageSize is the maximum size of a network message
const MaxMessageSize = 4 * 1024 * 1024 // 4 MB

// Message represents a network message
type Message struct {
	Type    uint8
	Payload []byte
}

// StatusMessage announces how far a verifier has progressed
type StatusMessage struct {
	Version  uint32
	ChainID  uint64
	Sequence uint64
	Root     types.Hash
}

const statusSize = 4 + 8 + 8 + types.HashSize

// Encode serializes a message for network transmission
func (m *Message) Encode(w io.Writer) error {
	if len(m.Payload) > MaxMessageSize {
		return ErrMessageTooLarge
	}

	// Write message type
	if err := binary.Write(w, binary.BigEndian, m.Type); err != nil {
		return err
	}

	// Write payload length
	payloadLen := uint32(len(m.Payload))
	if err := binary.Write(w, binary.BigEndian, payloadLen); err != nil {
		return err
	}

	_, err := w.Write(m.Payload)
	return err
}

// Decode deserializes a message from network data
func (m *Message) Decode(r io.Reader) error {
	if err := binary.Read(r, binary.BigEndian, &m.Type); err != nil {
		return err
	}

	var payloadLen uint32
	if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
		return err
	}
	if payloadLen > MaxMessageSize {
		return ErrMessageTooLarge
	}

	m.Payload = make([]byte, payloadLen)
	_, err := io.ReadFull(r, m.Payload)
	return err
}

// Bytes returns the framed message
func (m *Message) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseMessage decodes one framed message
func ParseMessage(data []byte) (*Message, error) {
	var m Message
	if err := m.Decode(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return &m, nil
}

// EncodeBundle frames an accepted bundle. The payload is the bundle's JSON wire form.
func EncodeBundle(bundle interface{}) (*Message, error) {
	var msgType uint8
	switch bundle.(type) {
	case *protocol.DepositBundle:
		msgType = MsgTypeDeposit
	case *protocol.SplitBundle:
		msgType = MsgTypeSplit
	case *protocol.TransferBundle:
		msgType = MsgTypeTransfer
	case *protocol.WithdrawBundle:
		msgType = MsgTypeWithdraw
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidMessageType, bundle)
	}
	payload, err := json.Marshal(bundle)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, Payload: payload}, nil
}

// DecodeBundle restores the bundle carried by m
func DecodeBundle(m *Message) (interface{}, error) {
	var bundle interface{}
	switch m.Type {
	case MsgTypeDeposit:
		bundle = new(protocol.DepositBundle)
	case MsgTypeSplit:
		bundle = new(protocol.SplitBundle)
	case MsgTypeTransfer:
		bundle = new(protocol.TransferBundle)
	case MsgTypeWithdraw:
		bundle = new(protocol.WithdrawBundle)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidMessageType, m.Type)
	}
	if err := json.Unmarshal(m.Payload, bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}

// EncodeStatus serializes a status message
func EncodeStatus(status *StatusMessage) *Message {
	buf := make([]byte, 0, statusSize)

	buf = binary.BigEndian.AppendUint32(buf, status.Version)
	buf = binary.BigEndian.AppendUint64(buf, status.ChainID)
	buf = binary.BigEndian.AppendUint64(buf, status.Sequence)
	buf = append(buf, status.Root[:]...)

	return &Message{Type: MsgTypeStatus, Payload: buf}
}

// DecodeStatus deserializes a status message
func DecodeStatus(m *Message) (*StatusMessage, error) {
	if m.Type != MsgTypeStatus {
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidMessageType, m.Type)
	}
	data := m.Payload
	if len(data) < statusSize {
		return nil, ErrShortMessage
	}

	status := &StatusMessage{
		Version:  binary.BigEndian.Uint32(data[0:4]),
		ChainID:  binary.BigEndian.Uint64(data[4:12]),
		Sequence: binary.BigEndian.Uint64(data[12:20]),
	}
	copy(status.Root[:], data[20:52])

	return status, nil
}
