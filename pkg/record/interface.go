package record

import "gihan9a/recordsync/pkg/recordproto"

//go:generate mockgen -typed -package=record -destination=./mocks.go -source=./interface.go

// Connection delivers outbound messages to the remote authority. Send must not
// block on the network. It is called with no registry, record or proxy lock
// held, so an in-process Connection may dispatch replies from inside Send.
type Connection interface {
	Send(msg *recordproto.Message)
}
