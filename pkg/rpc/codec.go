// Package rpc holds connect plumbing shared by the escrow API and its ledger client.
package rpc

import (
	"encoding/json"

	"connectrpc.com/connect"
)

// JSONCodec lets connect handlers and clients exchange plain Go structs.
// It replaces connect's default "json" codec, which only accepts protobuf messages.
type JSONCodec struct{}

var _ connect.Codec = JSONCodec{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func (JSONCodec) Unmarshal(data []byte, msg any) error {
	return json.Unmarshal(data, msg)
}

// HandlerOptions returns the options every escrow handler is registered with.
func HandlerOptions(opts ...connect.HandlerOption) []connect.HandlerOption {
	return append([]connect.HandlerOption{connect.WithCodec(JSONCodec{})}, opts...)
}

// ClientOptions returns the options every client of a JSON-codec service needs.
func ClientOptions(opts ...connect.ClientOption) []connect.ClientOption {
	return append([]connect.ClientOption{connect.WithCodec(JSONCodec{})}, opts...)
}
