package subscription

import "fmt"

// Strategy decides how subscriptions are grouped onto connections.
type Strategy string

const (
	Shared      Strategy = "shared"
	Dedicated   Strategy = "dedicated"
	UserGrouped Strategy = "user_grouped"
)

// ParseStrategy converts a config string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case Shared, Dedicated, UserGrouped:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown connection strategy %q", s)
}

func (s Strategy) String() string {
	return string(s)
}
