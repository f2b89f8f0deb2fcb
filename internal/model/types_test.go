package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestIdentityString(t *testing.T) {
	tests := []struct {
		name string
		id   Identity
		want string
	}{
		{
			name: "no params",
			id:   Identity{Channel: "allMids", Key: "shared:allMids"},
			want: "allMids",
		},
		{
			name: "with params",
			id:   Identity{Channel: "l2Book", Params: `coin="BTC"`, Key: `dedicated:l2Book:coin="BTC"`},
			want: `l2Book{coin="BTC"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEventReceivedAtMicros(t *testing.T) {
	receivedAt := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	ev := Event{
		Channel:    "trades",
		Data:       json.RawMessage(`[{"coin":"BTC"}]`),
		ConnKey:    "shared:trades",
		ReceivedAt: receivedAt,
	}

	if ev.ReceivedAtMicros() != receivedAt.UnixMicro() {
		t.Errorf("ReceivedAtMicros() = %d, want %d", ev.ReceivedAtMicros(), receivedAt.UnixMicro())
	}
}
