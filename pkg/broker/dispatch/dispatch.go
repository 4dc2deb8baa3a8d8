// Package dispatch implements the Dispatcher from spec.md §4.5: routing of
// inbound messages to handlers registered per submessage tag, and pre-send
// hooks run over outbound messages before they leave the process.
package dispatch

import (
	"sync"

	"github.com/freedm-dgi/broker/pkg/broker/types"
)

// ReadHandler handles one submessage tag on an accepted inbound Message. It
// receives the full message and the sender's PeerId.
type ReadHandler func(from types.PeerId, m types.Message)

// WriteHook runs over an outbound message's submessage tree before it is
// sent, in registration order, per spec.md §4.5: "this is where modules
// attach cross-cutting tags (source id stamping, state-collection
// markers)."
type WriteHook func(submessages types.Tree)

// Dispatcher maintains a tag -> handler-list map for inbound handlers and a
// single registration-ordered list of outbound write hooks. Registration
// order within a tag is stable; order across tags is not guaranteed,
// matching spec.md §4.5.
type Dispatcher struct {
	mu       sync.RWMutex
	readers  map[string][]ReadHandler
	writers  []taggedWriteHook
	log      types.Logger
}

type taggedWriteHook struct {
	tag  string
	hook WriteHook
}

// New builds an empty Dispatcher.
func New(log types.Logger) *Dispatcher {
	return &Dispatcher{
		readers: make(map[string][]ReadHandler),
		log:     log,
	}
}

// RegisterReadHandler appends handler to the list for tag. Appending
// preserves registration order for handlers sharing the same tag.
func (d *Dispatcher) RegisterReadHandler(tag string, handler ReadHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readers[tag] = append(d.readers[tag], handler)
}

// RegisterWriteHook appends hook, labelled with tag, to the outbound chain.
// PrepareSend runs every hook in the chain whatever its tag.
func (d *Dispatcher) RegisterWriteHook(tag string, hook WriteHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writers = append(d.writers, taggedWriteHook{tag: tag, hook: hook})
}

// Dispatch fires, for every top-level key in m's submessage tree with a
// registered handler, that handler exactly once with the full message and
// sending peer. A handler panicking is isolated per invocation, per spec.md
// §7: "Dispatcher handlers throwing is isolated per invocation."
func (d *Dispatcher) Dispatch(from types.PeerId, m types.Message) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for tag := range m.Submessages {
		handlers, ok := d.readers[tag]
		if !ok {
			continue
		}
		for _, h := range handlers {
			d.invokeSafely(tag, h, from, m)
		}
	}
}

func (d *Dispatcher) invokeSafely(tag string, h ReadHandler, from types.PeerId, m types.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorf("dispatch: handler for tag %q panicked: %v", tag, r)
		}
	}()
	h(from, m)
}

// PrepareSend runs every registered write hook, in registration order, over
// submessages before a Message carrying them is handed to a Channel.
func (d *Dispatcher) PrepareSend(submessages types.Tree) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, tw := range d.writers {
		tw.hook(submessages)
	}
}

// PrehandlerHelper composes a read handler with a pre-processing step over
// the inbound message, producing a new handler with the same signature, per
// spec.md §4.5.
func PrehandlerHelper(pre func(m types.Message) types.Message, next ReadHandler) ReadHandler {
	return func(from types.PeerId, m types.Message) {
		next(from, pre(m))
	}
}
