// Package wire implements msgpack encoding of the coordination protocol.
//
// Coordination requests and responses travel as opaque payloads through the
// coordination channel; the terminal snapshot is recovered from accumulator
// byte blocks after job termination. All payloads are msgpack-encoded.
package wire

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/sluice/types"
)

// ErrNoSnapshotBlocks is returned when the accumulator holds no byte blocks.
// The snapshot always occupies the first block, so an empty list means the
// sink never published its final state.
var ErrNoSnapshotBlocks = errors.New("accumulator holds no snapshot blocks")

// WireErrorKind classifies wire decoding errors.
type WireErrorKind int

const (
	// WireErrorDecode indicates a msgpack decoding error.
	WireErrorDecode WireErrorKind = iota
	// WireErrorShape indicates a structurally invalid payload.
	WireErrorShape
)

// WireError represents a payload decoding error.
type WireError struct {
	Kind WireErrorKind
	Msg  string
	Err  error
}

func (e *WireError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *WireError) Unwrap() error {
	return e.Err
}

// EncodeRequest encodes a coordination request payload.
func EncodeRequest(req *types.CoordinationRequest) ([]byte, error) {
	return msgpack.Marshal(req)
}

// DecodeRequest decodes a coordination request payload.
func DecodeRequest(payload []byte) (*types.CoordinationRequest, error) {
	var req types.CoordinationRequest
	if err := msgpack.Unmarshal(payload, &req); err != nil {
		return nil, &WireError{
			Kind: WireErrorDecode,
			Msg:  "failed to decode coordination request",
			Err:  err,
		}
	}
	return &req, nil
}

// EncodeResponse encodes a coordination response payload.
func EncodeResponse(resp *types.CoordinationResponse) ([]byte, error) {
	return msgpack.Marshal(resp)
}

// DecodeResponse decodes a coordination response payload.
func DecodeResponse(payload []byte) (*types.CoordinationResponse, error) {
	var resp types.CoordinationResponse
	if err := msgpack.Unmarshal(payload, &resp); err != nil {
		return nil, &WireError{
			Kind: WireErrorDecode,
			Msg:  "failed to decode coordination response",
			Err:  err,
		}
	}
	return &resp, nil
}

// EncodeSnapshot encodes a terminal snapshot into an accumulator byte block.
// The sink side stores the result as the first block of its accumulator.
func EncodeSnapshot(snap *types.TerminalSnapshot) ([]byte, error) {
	return msgpack.Marshal(snap)
}

// DecodeSnapshot recovers the terminal snapshot from accumulator byte
// blocks. The snapshot occupies the first block; later blocks are reserved.
func DecodeSnapshot(blocks [][]byte) (*types.TerminalSnapshot, error) {
	if len(blocks) == 0 {
		return nil, ErrNoSnapshotBlocks
	}

	var snap types.TerminalSnapshot
	if err := msgpack.Unmarshal(blocks[0], &snap); err != nil {
		return nil, &WireError{
			Kind: WireErrorDecode,
			Msg:  "failed to decode terminal snapshot",
			Err:  err,
		}
	}
	if snap.Response == nil {
		return nil, &WireError{
			Kind: WireErrorShape,
			Msg:  "terminal snapshot carries no response",
		}
	}
	return &snap, nil
}
