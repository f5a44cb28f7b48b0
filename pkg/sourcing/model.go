package sourcing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/eventfold/eventfold/pkg/eventlog"
	"github.com/eventfold/eventfold/pkg/schema"
)

// Emit is one event a command handler wants appended: the declared
// event name and its payload.
type Emit struct {
	Event string
	Data  map[string]any
}

// One lifts a single (event, data) pair into a handler return value.
func One(event string, data map[string]any) []Emit {
	return []Emit{{Event: event, Data: data}}
}

// StreamID renders the canonical stream id of one aggregate instance:
// "<app>:<aggregate>:<id>" with deterministic stringification, so every
// layer that needs the stream derives the identical id.
func StreamID(app, aggregate string, id any) string {
	return canonicalName(app) + ":" + canonicalName(aggregate) + ":" + stringifyID(id)
}

// canonicalName renders a possibly namespaced name; "ns/name" becomes
// "ns.name".
func canonicalName(name string) string {
	return strings.ReplaceAll(name, "/", ".")
}

// stringifyID renders an aggregate id deterministically: strings pass
// through (namespaces canonicalized), integers in decimal, floats in
// the shortest exact form. Other types fall back to their default
// formatting.
func stringifyID(id any) string {
	switch v := id.(type) {
	case string:
		return canonicalName(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case fmt.Stringer:
		return canonicalName(v.String())
	default:
		return fmt.Sprintf("%v", v)
	}
}

// normalizeEmits validates a handler's return value against the
// command's declared events and produces bare log events. Meta stays
// zero; the log assigns it during append so versions reflect true
// append order.
func normalizeEmits(reg *Registry, cmd ResolvedCommand, emits []Emit) ([]eventlog.Event, error) {
	out := make([]eventlog.Event, 0, len(emits))
	for _, em := range emits {
		if em.Event == "" {
			return nil, &EventMalformedError{
				Command: cmd.Name,
				Reason:  "event name is empty",
			}
		}
		conf, ok := reg.Event(em.Event)
		if !ok || conf.EventConf.Command != cmd.Name {
			return nil, &EventMalformedError{
				Command: cmd.Name,
				Event:   em.Event,
				Reason:  "event is not declared by the command",
			}
		}
		if res := schema.Check(conf.Schema, em.Data); !res.Valid {
			return nil, &EventMalformedError{
				Command: cmd.Name,
				Event:   em.Event,
				Reason:  "event data failed validation",
				Explain: res.Explain(),
			}
		}
		out = append(out, eventlog.Event{Type: em.Event, Data: em.Data})
	}
	return out, nil
}
