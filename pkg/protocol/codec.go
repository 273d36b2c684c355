package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MaxMessageSize bounds a single frame. File chunks dominate frame size;
// the default chunk is far below this.
const MaxMessageSize = 4 << 20

// envelope is the wire form of a message: [tag] or [tag, payload].
type envelope []cbor.RawMessage

// Marshal encodes (tag, payload) into a CBOR frame body after validating
// the payload against the registry.
func Marshal(reg *Registry, tag string, payload any) ([]byte, error) {
	if err := reg.Validate(tag, payload); err != nil {
		return nil, err
	}
	rawTag, err := cbor.Marshal(tag)
	if err != nil {
		return nil, fmt.Errorf("encode tag: %w", err)
	}
	env := envelope{rawTag}
	if payload != nil {
		rawPayload, err := cbor.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", tag, err)
		}
		env = append(env, rawPayload)
	}
	return cbor.Marshal(env)
}

// Unmarshal decodes a CBOR frame body into (tag, payload), validating
// against the registry. The payload is the registered prototype type.
func Unmarshal(reg *Registry, data []byte) (string, any, error) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("%w: bad envelope: %v", ErrProtocol, err)
	}
	if len(env) < 1 || len(env) > 2 {
		return "", nil, fmt.Errorf("%w: envelope has %d elements", ErrProtocol, len(env))
	}
	var tag string
	if err := cbor.Unmarshal(env[0], &tag); err != nil {
		return "", nil, fmt.Errorf("%w: bad tag: %v", ErrProtocol, err)
	}
	payload, known := reg.New(tag)
	if !known {
		return "", nil, fmt.Errorf("%w: unknown tag %q on %s", ErrProtocol, tag, reg.name)
	}
	if payload == nil {
		if len(env) == 2 {
			return "", nil, fmt.Errorf("%w: tag %q on %s takes no payload",
				ErrProtocol, tag, reg.name)
		}
		return tag, nil, nil
	}
	if len(env) == 1 {
		return "", nil, fmt.Errorf("%w: tag %q on %s requires a payload",
			ErrProtocol, tag, reg.name)
	}
	if err := cbor.Unmarshal(env[1], payload); err != nil {
		return "", nil, fmt.Errorf("%w: tag %q payload: %v", ErrProtocol, tag, err)
	}
	return tag, payload, nil
}

// WriteFrame writes a length-prefixed frame body.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxMessageSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrProtocol, len(body))
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed frame body.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxMessageSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrProtocol, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
