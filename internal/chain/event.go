package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// PhaseKind distinguishes block-level events from transaction events.
type PhaseKind uint8

const (
	PhaseInitialization PhaseKind = iota
	PhaseApplyExtrinsic
	PhaseFinalization
)

// Phase is the grouping key used to correlate sibling events.
type Phase struct {
	Kind  PhaseKind
	Index uint32
}

// Initialization is the phase of events emitted before any transaction runs.
func Initialization() Phase {
	return Phase{Kind: PhaseInitialization}
}

// ApplyExtrinsic is the phase of events emitted by the transaction at index i.
func ApplyExtrinsic(i uint32) Phase {
	return Phase{Kind: PhaseApplyExtrinsic, Index: i}
}

// Finalization is the phase of events emitted after all transactions ran.
func Finalization() Phase {
	return Phase{Kind: PhaseFinalization}
}

func (p Phase) String() string {
	switch p.Kind {
	case PhaseInitialization:
		return "Initialization"
	case PhaseFinalization:
		return "Finalization"
	default:
		return fmt.Sprintf("ApplyExtrinsic(%d)", p.Index)
	}
}

// Event is one entry of a block's event list. The phase group is shared by all
// events of the same phase and must not be modified after the block is built.
type Event struct {
	Section     string
	Method      string
	Fields      Fields
	Phase       Phase
	Index       int
	BlockNumber uint64
	BlockHash   common.Hash

	group []*Event
}

// NewEvent builds a detached event. Grouping happens in NewBlock.
func NewEvent(section, method string, phase Phase, fields Fields) *Event {
	if fields == nil {
		fields = Fields{}
	}
	return &Event{Section: section, Method: method, Phase: phase, Fields: fields}
}

// Name renders section.method.
func (e *Event) Name() string {
	return e.Section + "." + e.Method
}

// Is reports whether the event matches section and method.
func (e *Event) Is(section, method string) bool {
	return e.Section == section && e.Method == method
}

// Group returns every event of the block sharing this event's phase, in block order,
// including the event itself.
func (e *Event) Group() []*Event {
	return e.group
}

// Siblings returns the other events of the phase group.
func (e *Event) Siblings() []*Event {
	out := make([]*Event, 0, len(e.group))
	for _, s := range e.group {
		if s != e {
			out = append(out, s)
		}
	}
	return out
}

// Preceding returns the group events before this one, in block order.
func (e *Event) Preceding() []*Event {
	return e.group[:e.position()]
}

// Following returns the group events after this one, in block order.
func (e *Event) Following() []*Event {
	pos := e.position()
	if pos >= len(e.group) {
		return nil
	}
	return e.group[pos+1:]
}

func (e *Event) position() int {
	for i, s := range e.group {
		if s == e {
			return i
		}
	}
	return len(e.group)
}

// FindSibling returns the first sibling matching method and pred.
func (e *Event) FindSibling(method string, pred func(*Event) bool) *Event {
	for _, s := range e.group {
		if s == e || s.Method != method {
			continue
		}
		if pred == nil || pred(s) {
			return s
		}
	}
	return nil
}

// HasSibling reports whether any sibling carries the given method.
func (e *Event) HasSibling(method string) bool {
	return e.FindSibling(method, nil) != nil
}

// LastBefore returns the nearest preceding group event with the given method.
func (e *Event) LastBefore(method string) *Event {
	before := e.Preceding()
	for i := len(before) - 1; i >= 0; i-- {
		if before[i].Method == method {
			return before[i]
		}
	}
	return nil
}

// FirstAfter returns the nearest following group event with the given method.
func (e *Event) FirstAfter(method string) *Event {
	for _, s := range e.Following() {
		if s.Method == method {
			return s
		}
	}
	return nil
}

// Block is an immutable, correlated block event set.
type Block struct {
	Number uint64
	Hash   common.Hash
	Events []*Event
}

// NewBlock stamps block coordinates onto events and materialises phase groups.
func NewBlock(number uint64, hash common.Hash, events []*Event) *Block {
	groups := make(map[Phase][]*Event)
	for i, ev := range events {
		ev.Index = i
		ev.BlockNumber = number
		ev.BlockHash = hash
		groups[ev.Phase] = append(groups[ev.Phase], ev)
	}
	for _, ev := range events {
		ev.group = groups[ev.Phase]
	}
	return &Block{Number: number, Hash: hash, Events: events}
}
