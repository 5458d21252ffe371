package main

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"slurm-rpc/message"
	"slurm-rpc/protocol"
)

// Format renders decoded messages for a terminal.
type Format interface {
	Encode(v any) ([]byte, error)
	Name() string
}

// GetFormat returns the format registered under name.
func GetFormat(name string) (Format, error) {
	switch name {
	case "", "json":
		return jsonFormat{}, nil
	case "cbor":
		return newCBORFormat()
	default:
		return nil, fmt.Errorf("unknown format %q (want json or cbor)", name)
	}
}

type jsonFormat struct{}

func (jsonFormat) Name() string { return "json" }

func (jsonFormat) Encode(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// cborFormat prints the deterministic CBOR encoding of v in diagnostic
// notation, which keeps byte strings such as credential signatures exact.
type cborFormat struct {
	em cbor.EncMode
}

func newCBORFormat() (cborFormat, error) {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339
	em, err := opts.EncMode()
	if err != nil {
		return cborFormat{}, err
	}
	return cborFormat{em: em}, nil
}

func (cborFormat) Name() string { return "cbor" }

func (f cborFormat) Encode(v any) ([]byte, error) {
	raw, err := f.em.Marshal(v)
	if err != nil {
		return nil, err
	}
	diag, err := cbor.Diagnose(raw)
	if err != nil {
		return nil, err
	}
	return []byte(diag), nil
}

// frameView is what decode prints for one frame.
type frameView struct {
	Version uint16 `json:"version" cbor:"version"`
	Flags   uint16 `json:"flags" cbor:"flags"`
	Type    string `json:"type" cbor:"type"`
	Tag     uint16 `json:"tag" cbor:"tag"`
	Body    any    `json:"body,omitempty" cbor:"body,omitempty"`
}

func viewOf(h *protocol.Header, msg *message.Msg) frameView {
	return frameView{
		Version: h.Version,
		Flags:   h.Flags,
		Type:    msg.Type.String(),
		Tag:     uint16(msg.Type),
		Body:    msg.Body,
	}
}
