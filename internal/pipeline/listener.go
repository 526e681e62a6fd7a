package pipeline

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"chainwatch/internal/chain"
)

// Payload is what a listener receives: the event with its phase group and,
// for log listeners, the decoded contract log.
type Payload struct {
	*chain.Event
	Log *chain.DecodedLog
}

// Handler reacts to one matched event.
type Handler func(ctx context.Context, p Payload) error

// Predicate filters events beyond section and method.
type Predicate func(*chain.Event) bool

type listener struct {
	name      string
	section   string
	method    string
	predicate Predicate
	schema    []string
	handler   Handler

	contract  *abi.ABI
	logEvent  string
	addresses map[common.Address]struct{}
}

// ListenerOption customises a registration.
type ListenerOption func(*listener)

// Named sets the listener name used in logs and metrics.
func Named(name string) ListenerOption {
	return func(l *listener) { l.name = name }
}

// Where adds a predicate evaluated on the event and its siblings. It is
// combined with any predicate already set, so both must accept the event.
func Where(pred Predicate) ListenerOption {
	return func(l *listener) {
		if prev := l.predicate; prev != nil {
			l.predicate = func(ev *chain.Event) bool { return prev(ev) && pred(ev) }
			return
		}
		l.predicate = pred
	}
}

// Requires declares fields the event must carry. Events failing the check
// are reported as listener errors instead of reaching the handler.
func Requires(fields ...string) ListenerOption {
	return func(l *listener) { l.schema = append(l.schema, fields...) }
}

// FromContracts restricts a log listener to logs emitted by the given addresses.
func FromContracts(addrs ...common.Address) ListenerOption {
	return func(l *listener) {
		if len(addrs) == 0 {
			return
		}
		if l.addresses == nil {
			l.addresses = make(map[common.Address]struct{}, len(addrs))
		}
		for _, a := range addrs {
			l.addresses[a] = struct{}{}
		}
	}
}

// match reports whether the listener accepts ev and returns the payload to deliver.
func (l *listener) match(ev *chain.Event) (Payload, bool) {
	if l.section != "" && ev.Section != l.section {
		return Payload{}, false
	}
	if l.method != "" && ev.Method != l.method {
		return Payload{}, false
	}

	payload := Payload{Event: ev}
	if l.contract != nil {
		lg, ok := ev.Fields.Log()
		if !ok {
			return Payload{}, false
		}
		if l.addresses != nil {
			if _, ok := l.addresses[lg.Address]; !ok {
				return Payload{}, false
			}
		}
		decoded, err := chain.DecodeLog(*l.contract, lg)
		if err != nil || (l.logEvent != "" && decoded.Name != l.logEvent) {
			return Payload{}, false
		}
		payload.Log = decoded
	}

	if l.predicate != nil && !l.predicate(ev) {
		return Payload{}, false
	}
	return payload, true
}

func (l *listener) describe() string {
	if l.name != "" {
		return l.name
	}
	switch {
	case l.logEvent != "":
		return "log:" + l.logEvent
	case l.method != "":
		return fmt.Sprintf("%s.%s", l.section, l.method)
	case l.section != "":
		return l.section + ".*"
	default:
		return "*"
	}
}
