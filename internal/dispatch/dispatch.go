// Package dispatch implements the opcode-family dispatch chain a proxy
// runs incoming messages through: each handler in the chain gets first
// look at a message's opcode and says whether it owns it, leaves it for
// the next handler, or hit an unrecoverable error.
package dispatch

import (
	"fmt"

	"github.com/tiiuae/vioproxy/internal/rpcmsg"
)

// Result is a handler's verdict on one message.
type Result int

const (
	// None means this handler doesn't own the message's opcode; try the
	// next handler in the chain.
	None Result = iota
	// Handled means this handler fully serviced the message.
	Handled
	// Error means this handler owns the opcode but failed to service it;
	// the chain stops and the error propagates.
	Error
)

// Handler inspects one message and returns its verdict. op is
// rpcmsg.Opcode(msg.MR0), split out since most handlers only care about
// that field.
type Handler func(op uint32, msg rpcmsg.Msg) (Result, error)

// Chain runs a message through an ordered list of Handlers, the way the
// mmio/pci/control handler families are tried in turn against every
// incoming message: first handler whose opcode matches wins.
type Chain struct {
	handlers []Handler
}

func NewChain(handlers ...Handler) *Chain {
	return &Chain{handlers: handlers}
}

// Run dispatches msg through the chain. It returns an error if a handler
// claimed the message and failed, or if no handler in the chain recognized
// its opcode.
func (c *Chain) Run(msg rpcmsg.Msg) error {
	op := rpcmsg.Opcode(msg.MR0)

	for _, h := range c.handlers {
		res, err := h(op, msg)
		switch res {
		case Handled:
			return nil
		case Error:
			return err
		case None:
			continue
		}
	}

	return fmt.Errorf("dispatch: unhandled opcode %d", op)
}

// Pump drains every currently-queued message from an event queue through a
// Chain, stopping at the first error (matching or exceeding queue capacity
// is the caller's problem -- Pump just processes what's there right now).
func Pump(eq *rpcmsg.EventQueue, chain *Chain) error {
	for {
		msg, ok := eq.Receive()
		if !ok {
			return nil
		}
		if err := chain.Run(msg); err != nil {
			return err
		}
	}
}
