package connection

import (
	"sort"
	"strings"

	"github.com/meltingice/hyperliquid-sub002/internal/subscription"
)

// matchAck returns the pending subscription ids acknowledged by payload.
//
// The protocol carries no correlation id, so the ack is matched by comparing
// its fields to the pending requests of the same type. When more than one
// request matches, every pending request of that type is treated as
// acknowledged.
func matchAck(payload map[string]any, pending map[string]struct{}, active map[string]map[string]any) []string {
	typ, _ := payload["type"].(string)
	if typ == "" {
		return nil
	}

	var sameType, matched []string
	for id := range pending {
		req, ok := active[id]
		if !ok {
			continue
		}
		reqType, _ := req["type"].(string)
		if !strings.EqualFold(reqType, typ) {
			continue
		}
		sameType = append(sameType, id)
		if subscription.FieldsMatch(req, payload) {
			matched = append(matched, id)
		}
	}

	switch len(matched) {
	case 0:
		return nil
	case 1:
		return matched
	default:
		sort.Strings(sameType)
		return sameType
	}
}
