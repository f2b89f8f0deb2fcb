package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strings"

	"github.com/meltingice/hyperliquid-sub002/internal/model"
)

// Errors
var (
	ErrMalformedDescriptor = errors.New("malformed subscription descriptor")
	ErrMissingParam        = errors.New("missing required parameter")
	ErrUnknownParam        = errors.New("unknown parameter")
	ErrUnknownChannel      = errors.New("unknown channel")
)

// Endpoint declares a subscribable channel.
type Endpoint struct {
	Channel      string            // Request "type" (e.g. "l2Book")
	Required     []string          // Parameters that must be present
	Optional     []string          // Parameters that may be present
	Strategy     Strategy          // Default connection strategy
	EventChannel string            // Channel tag of data frames (defaults to Channel)
	Match        map[string]string // Parameter name -> payload field used to attribute events
	Persist      bool              // Default persistence flag
}

// Descriptor is an immutable, validated subscription request.
type Descriptor struct {
	endpoint Endpoint
	params   map[string]any
	strategy Strategy
	persist  bool
}

// Descriptor validates params against the endpoint and returns a Descriptor
// using the endpoint's default strategy and persistence.
func (e Endpoint) Descriptor(params map[string]any) (Descriptor, error) {
	if e.Channel == "" {
		return Descriptor{}, fmt.Errorf("%w: empty channel", ErrMalformedDescriptor)
	}

	for _, name := range e.Required {
		v, ok := params[name]
		if !ok || v == nil || v == "" {
			return Descriptor{}, fmt.Errorf("%w: %s.%s", ErrMissingParam, e.Channel, name)
		}
	}
	for name := range params {
		if !slices.Contains(e.Required, name) && !slices.Contains(e.Optional, name) {
			return Descriptor{}, fmt.Errorf("%w: %s.%s", ErrUnknownParam, e.Channel, name)
		}
	}

	normalized, err := normalize(params)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}

	return Descriptor{
		endpoint: e,
		params:   normalized,
		strategy: e.Strategy,
		persist:  e.Persist,
	}, nil
}

// normalize round-trips params through JSON so that values compare equal to
// their decoded wire form (numbers become float64).
func normalize(params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	if len(params) == 0 {
		return out, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WithStrategy returns a copy using a different connection strategy.
func (d Descriptor) WithStrategy(s Strategy) Descriptor {
	d.strategy = s
	return d
}

// WithPersist returns a copy with the persistence flag set.
func (d Descriptor) WithPersist(persist bool) Descriptor {
	d.persist = persist
	return d
}

// Channel returns the subscription channel.
func (d Descriptor) Channel() string { return d.endpoint.Channel }

// Strategy returns the connection strategy.
func (d Descriptor) Strategy() Strategy { return d.strategy }

// Persist reports whether received events should be stored.
func (d Descriptor) Persist() bool { return d.persist }

// EventChannel returns the channel tag carried by data frames.
func (d Descriptor) EventChannel() string {
	if d.endpoint.EventChannel != "" {
		return d.endpoint.EventChannel
	}
	return d.endpoint.Channel
}

// Params returns a copy of the parameters.
func (d Descriptor) Params() map[string]any {
	out := make(map[string]any, len(d.params))
	for k, v := range d.params {
		out[k] = v
	}
	return out
}

// Request builds the "subscription" object sent on the wire.
func (d Descriptor) Request() map[string]any {
	req := make(map[string]any, len(d.params)+1)
	for k, v := range d.params {
		req[k] = v
	}
	req["type"] = d.endpoint.Channel
	return req
}

// RoutingKey maps the descriptor to the connection slot it belongs to.
// Identical descriptors always produce identical keys.
func (d Descriptor) RoutingKey() (string, error) {
	if d.endpoint.Channel == "" {
		return "", fmt.Errorf("%w: empty channel", ErrMalformedDescriptor)
	}

	switch d.strategy {
	case Shared:
		return "shared:" + d.endpoint.Channel, nil

	case Dedicated:
		params := CanonicalParams(d.params)
		if params == "" {
			return "dedicated:" + d.endpoint.Channel, nil
		}
		return "dedicated:" + d.endpoint.Channel + ":" + params, nil

	case UserGrouped:
		user, _ := d.params["user"].(string)
		if user == "" {
			return "", fmt.Errorf("%w: %s has no user parameter", ErrMalformedDescriptor, d.endpoint.Channel)
		}
		return "user:" + strings.ToLower(user), nil
	}

	return "", fmt.Errorf("%w: unknown strategy %q", ErrMalformedDescriptor, d.strategy)
}

// Identity returns the stored identity of events received for d on the
// connection with the given routing key.
func (d Descriptor) Identity(key string) model.Identity {
	return model.Identity{
		Channel: d.endpoint.Channel,
		Params:  CanonicalParams(d.params),
		Key:     key,
	}
}

// Matches reports whether ev belongs to this subscription: the channel tag
// must match, and every Match field present in both the params and the
// payload must be equal. A payload that is an array is judged by its first
// element.
func (d Descriptor) Matches(ev model.Event) bool {
	if ev.Channel != d.EventChannel() {
		return false
	}
	if len(d.endpoint.Match) == 0 {
		return true
	}

	fields := payloadFields(ev.Data)
	if fields == nil {
		return true
	}

	for param, field := range d.endpoint.Match {
		want, ok := d.params[param]
		if !ok {
			continue
		}
		got, ok := fields[field]
		if !ok {
			continue
		}
		if !valuesEqual(want, got) {
			return false
		}
	}
	return true
}

func payloadFields(data json.RawMessage) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err == nil {
		return obj
	}
	var arr []map[string]any
	if err := json.Unmarshal(data, &arr); err == nil && len(arr) > 0 {
		return arr[0]
	}
	return nil
}

// FieldsMatch reports whether every field of payload equals the same field
// of request. Fields only present in request are ignored; a null payload
// field matches an absent request field.
func FieldsMatch(request, payload map[string]any) bool {
	for k, got := range payload {
		want, ok := request[k]
		if !ok {
			if got == nil {
				continue
			}
			return false
		}
		if !valuesEqual(want, got) {
			return false
		}
	}
	return true
}

// valuesEqual compares decoded JSON values. Strings compare case-insensitively
// since addresses are echoed back in lower case.
func valuesEqual(a, b any) bool {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.EqualFold(as, bs)
	}
	return reflect.DeepEqual(a, b)
}

// CanonicalParams encodes params as "k1=v1,k2=v2" with sorted keys and
// JSON-encoded values.
func CanonicalParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		v, err := json.Marshal(params[k])
		if err != nil {
			v = []byte(fmt.Sprint(params[k]))
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(v)
	}
	return b.String()
}
