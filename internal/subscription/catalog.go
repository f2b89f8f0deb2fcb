package subscription

import (
	"fmt"
	"sort"
)

// Catalog lists the streaming channels offered by the exchange.
var Catalog = map[string]Endpoint{
	"allMids": {
		Channel:  "allMids",
		Optional: []string{"dex"},
		Strategy: Shared,
	},
	"notification": {
		Channel:  "notification",
		Required: []string{"user"},
		Strategy: UserGrouped,
	},
	"webData2": {
		Channel:  "webData2",
		Required: []string{"user"},
		Strategy: UserGrouped,
		Match:    map[string]string{"user": "user"},
	},
	"candle": {
		Channel:  "candle",
		Required: []string{"coin", "interval"},
		Strategy: Shared,
		Match:    map[string]string{"coin": "s", "interval": "i"},
	},
	"l2Book": {
		Channel:  "l2Book",
		Required: []string{"coin"},
		Optional: []string{"nSigFigs", "mantissa"},
		Strategy: Dedicated,
		Match:    map[string]string{"coin": "coin"},
		Persist:  true,
	},
	"trades": {
		Channel:  "trades",
		Required: []string{"coin"},
		Strategy: Shared,
		Match:    map[string]string{"coin": "coin"},
		Persist:  true,
	},
	"bbo": {
		Channel:  "bbo",
		Required: []string{"coin"},
		Strategy: Shared,
		Match:    map[string]string{"coin": "coin"},
	},
	"activeAssetCtx": {
		Channel:  "activeAssetCtx",
		Required: []string{"coin"},
		Strategy: Shared,
		Match:    map[string]string{"coin": "coin"},
	},
	"activeAssetData": {
		Channel:  "activeAssetData",
		Required: []string{"user", "coin"},
		Strategy: UserGrouped,
		Match:    map[string]string{"user": "user", "coin": "coin"},
	},
	"orderUpdates": {
		Channel:  "orderUpdates",
		Required: []string{"user"},
		Strategy: UserGrouped,
		Persist:  true,
	},
	"userEvents": {
		Channel:      "userEvents",
		Required:     []string{"user"},
		Strategy:     UserGrouped,
		EventChannel: "user",
	},
	"userFills": {
		Channel:  "userFills",
		Required: []string{"user"},
		Optional: []string{"aggregateByTime"},
		Strategy: UserGrouped,
		Match:    map[string]string{"user": "user"},
		Persist:  true,
	},
	"userFundings": {
		Channel:  "userFundings",
		Required: []string{"user"},
		Strategy: UserGrouped,
		Match:    map[string]string{"user": "user"},
	},
	"userNonFundingLedgerUpdates": {
		Channel:  "userNonFundingLedgerUpdates",
		Required: []string{"user"},
		Strategy: UserGrouped,
		Match:    map[string]string{"user": "user"},
	},
}

// Lookup returns the catalog entry for channel.
func Lookup(channel string) (Endpoint, error) {
	ep, ok := Catalog[channel]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	return ep, nil
}

// New is shorthand for Lookup followed by Endpoint.Descriptor.
func New(channel string, params map[string]any) (Descriptor, error) {
	ep, err := Lookup(channel)
	if err != nil {
		return Descriptor{}, err
	}
	return ep.Descriptor(params)
}

// Channels returns the catalog channel names in sorted order.
func Channels() []string {
	names := make([]string, 0, len(Catalog))
	for name := range Catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
