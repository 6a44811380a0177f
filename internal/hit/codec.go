package hit

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Codec serializes snapshots for the storage adapter.
type Codec interface {
	Name() string
	Marshal(s Snapshot) ([]byte, error)
	Unmarshal(data []byte, s *Snapshot) error
}

// CodecByName returns the codec registered under name ("json" or "cbor").
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		c, err := NewCBORCodec()
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("hit: unknown codec %q", name)
	}
}

type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(s Snapshot) ([]byte, error) { return json.Marshal(s) }

func (JSONCodec) Unmarshal(data []byte, s *Snapshot) error { return json.Unmarshal(data, s) }

// CBORCodec uses core deterministic encoding so identical snapshots always
// produce identical bytes. Field names come from the json tags.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (c *CBORCodec) Name() string { return "cbor" }

func (c *CBORCodec) Marshal(s Snapshot) ([]byte, error) { return c.enc.Marshal(s) }

func (c *CBORCodec) Unmarshal(data []byte, s *Snapshot) error { return c.dec.Unmarshal(data, s) }
