package main

import (
	"errors"
	"testing"

	"github.com/meltingice/hyperliquid-sub002/internal/subscription"
)

func TestSplitList(t *testing.T) {
	got := splitList(" BTC, ETH,,SOL ")
	want := []string{"BTC", "ETH", "SOL"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBuildDescriptors(t *testing.T) {
	descs, err := buildDescriptors([]string{"trades", "allMids", "candle"}, []string{"BTC", "ETH"}, "", "5m")
	if err != nil {
		t.Fatalf("buildDescriptors: %v", err)
	}
	if len(descs) != 5 {
		t.Fatalf("descriptors = %d, want 5", len(descs))
	}

	candle := descs[4]
	if candle.Channel() != "candle" || candle.Params()["interval"] != "5m" || candle.Params()["coin"] != "ETH" {
		t.Errorf("candle params = %v", candle.Params())
	}

	if _, err := buildDescriptors([]string{"userFills"}, nil, "", "1m"); err == nil {
		t.Error("expected error for user channel without user")
	}
	if _, err := buildDescriptors([]string{"nope"}, nil, "", "1m"); !errors.Is(err, subscription.ErrUnknownChannel) {
		t.Errorf("err = %v, want ErrUnknownChannel", err)
	}

	descs, err = buildDescriptors([]string{"userFills"}, nil, "0xABC", "1m")
	if err != nil {
		t.Fatalf("buildDescriptors: %v", err)
	}
	key, err := descs[0].RoutingKey()
	if err != nil || key != "user:0xabc" {
		t.Errorf("key = %q, err = %v", key, err)
	}
}

func TestTopOfBook(t *testing.T) {
	spread, mid, err := topOfBook("100.5", "101.25")
	if err != nil {
		t.Fatalf("topOfBook: %v", err)
	}
	if spread.String() != "0.75" {
		t.Errorf("spread = %s, want 0.75", spread)
	}
	if mid.String() != "100.875" {
		t.Errorf("mid = %s, want 100.875", mid)
	}

	if _, _, err := topOfBook("abc", "1"); err == nil {
		t.Error("expected error for bad bid")
	}
}
