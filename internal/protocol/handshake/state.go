package handshake

type (
	SenderState   int
	ReceiverState int
)

const (
	SenderIdle SenderState = iota
	SenderAwaitingPeerPublicKey
	SenderKeyDerived
	SenderSent
	SenderAbandoned
)

const (
	ReceiverIdle ReceiverState = iota
	ReceiverInitReceived
	ReceiverFinSent
)

func (s SenderState) String() string {
	switch s {
	case SenderIdle:
		return "idle"
	case SenderAwaitingPeerPublicKey:
		return "awaiting_peer_public_key"
	case SenderKeyDerived:
		return "key_derived"
	case SenderSent:
		return "sent"
	case SenderAbandoned:
		return "abandoned"
	}
	return "unknown"
}

func (s ReceiverState) String() string {
	switch s {
	case ReceiverIdle:
		return "idle"
	case ReceiverInitReceived:
		return "init_received"
	case ReceiverFinSent:
		return "fin_sent"
	}
	return "unknown"
}
