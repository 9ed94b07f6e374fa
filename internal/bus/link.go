// Package bus provides the transport abstraction connecting the connector to
// its stratifier and generator peers (spec §1's "typed in-process message
// queues"). The parser (internal/parser) and message processor
// (internal/control) depend only on the Link interface, never on a concrete
// transport, so the default in-process implementation and the optional
// NATS-backed one are interchangeable.
package bus

import (
	"context"
	"encoding/json"
)

// Link is a duplex channel to one external collaborator (stratifier or
// generator). Send forwards an annotated client message outward; Receive
// yields messages the collaborator has sent back (e.g. share results, which
// the sender then routes to the originating client by client_id).
type Link interface {
	Send(ctx context.Context, msg json.RawMessage) error
	Receive(ctx context.Context) (json.RawMessage, error)
	Close() error
}

// TermMessage builds the mining.term notification connector.c's
// drop_passthrough_client sends to the generator when a passthrough
// subclient is invalidated.
func TermMessage(subID uint32) json.RawMessage {
	b, _ := json.Marshal(struct {
		Method string `json:"method"`
		Params []uint32 `json:"params"`
	}{Method: "mining.term", Params: []uint32{subID}})
	return b
}
