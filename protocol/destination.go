package protocol

import (
	"github.com/parallax-p2/p2pipe/internal/perrors"
	"github.com/parallax-p2/p2pipe/pool"
)

// IncomingDestination adapts Engine to the router.Destination interface so
// KindDBPacket messages can be registered directly against the protocol
// engine, matching spec §4.4's "destinations are just something with a
// name and a handler" shape.
type IncomingDestination struct {
	Engine *Engine
	Pool   *pool.Pool
}

// Name identifies this destination in router logs and registration calls.
func (d *IncomingDestination) Name() string { return "protocol-engine" }

// Handle copies the slot's bytes and feeds them to the engine. On success
// it releases its share; when the engine reports an error (such as a
// framing error) it returns that error without releasing, and the router
// releases the share on its behalf.
func (d *IncomingDestination) Handle(id pool.SlotID) error {
	view, err := d.Pool.Get(id)
	if err != nil {
		return perrors.Wrap("protocol.IncomingDestination.Handle", perrors.CodePoolAccounting, err)
	}
	data := append([]byte(nil), view.Data...)
	if err := d.Engine.HandleIncoming(data); err != nil {
		return err
	}
	if relErr := d.Pool.Release(id); relErr != nil {
		return perrors.Wrap("protocol.IncomingDestination.Handle", perrors.CodePoolAccounting, relErr)
	}
	return nil
}
