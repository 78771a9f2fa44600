package types

// Operation is an externally submitted payload targeting one application.
type Operation struct {
	Application ApplicationID `cbor:"1,keyasint"`
	Signer      *Owner        `cbor:"2,keyasint,omitempty"`
	Payload     []byte        `cbor:"3,keyasint"`
}

// OutgoingMessage is emitted by an invocation and routed by the host to its
// destination chain once the enclosing transaction commits.
type OutgoingMessage struct {
	Destination   ChainID       `cbor:"1,keyasint"`
	Target        ApplicationID `cbor:"2,keyasint"`
	Payload       []byte        `cbor:"3,keyasint"`
	Authenticated bool          `cbor:"4,keyasint,omitempty"`
}

// IncomingMessage is a message delivered to an application. Index is the
// ordinal of the message among those sent by Sender to this chain.
type IncomingMessage struct {
	Origin  ChainID       `cbor:"1,keyasint"`
	Sender  ApplicationID `cbor:"2,keyasint"`
	Target  ApplicationID `cbor:"3,keyasint"`
	Index   uint64        `cbor:"4,keyasint"`
	Signer  *Owner        `cbor:"5,keyasint,omitempty"`
	Payload []byte        `cbor:"6,keyasint"`
}
