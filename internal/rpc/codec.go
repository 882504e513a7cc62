// Package rpc is the request/reply transport between clients and servers.
// Each TCP connection carries exactly one CBOR request and one CBOR reply.
package rpc

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("rpc: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("rpc: CBOR decoder initialization failed: " + err.Error())
	}
}

// Request is what a client sends. Requester identifies the caller; replies
// are correlated by it rather than by sequence number.
type Request struct {
	Requester string   `cbor:"requester"`
	Parts     []string `cbor:"parts"`
}

// Reply goes back to the requester named in Destination.
type Reply struct {
	Destination string   `cbor:"destination"`
	Parts       []string `cbor:"parts"`
}

func encode(w io.Writer, v any) error {
	return encMode.NewEncoder(w).Encode(v)
}

func decode(r io.Reader, v any) error {
	return decMode.NewDecoder(r).Decode(v)
}
