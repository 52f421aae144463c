// Package wire defines the envelope carried in transport frames and its
// CBOR codec. The envelope associates an opaque payload with a request id
// and an action; it adds no other serialization logic.
package wire

import (
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
)

// Type discriminates envelope flavors.
type Type uint8

const (
	TypeRequest Type = iota + 1
	TypeResponse
	TypeError
)

func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeError:
		return "error"
	default:
		return "unknown"
	}
}

// Envelope is one transport frame. For requests, Action is set; for
// responses and errors, only the request id matters to the receiver.
type Envelope struct {
	Type      Type      `cbor:"1,keyasint"`
	RequestID uint64    `cbor:"2,keyasint"`
	Action    string    `cbor:"3,keyasint,omitempty"`
	Payload   []byte    `cbor:"4,keyasint,omitempty"`
	Error     *RemoteErr `cbor:"5,keyasint,omitempty"`
}

// RemoteErr is the wire form of a handler failure on the remote node.
type RemoteErr struct {
	NodeName string `cbor:"1,keyasint,omitempty"`
	Action   string `cbor:"2,keyasint,omitempty"`
	Message  string `cbor:"3,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	encMode, decMode = em, dm
}

// Marshal encodes an envelope into frame bytes.
func Marshal(e *Envelope) ([]byte, error) {
	return encMode.Marshal(e)
}

// Unmarshal decodes frame bytes into an envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := decMode.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Type < TypeRequest || e.Type > TypeError {
		return nil, fmt.Errorf("unknown envelope type %d", e.Type)
	}
	return &e, nil
}
