package exchange

import (
	"fmt"
	"strings"

	"tradeengine/pkg/utils"
)

// LiveVenue - реальный брокер: REST, поток аккаунта и поток цен
type LiveVenue interface {
	Broker
	UserStream
	TickerStream
}

// SupportedBrokers - брокеры, доступные в режиме live
var SupportedBrokers = []string{
	"bybit",
}

// NewLiveVenue создает адаптер брокера по имени
func NewLiveVenue(name string, cfg BybitConfig, log *utils.Logger) (LiveVenue, error) {
	switch strings.ToLower(name) {
	case "bybit":
		return NewBybit(cfg, log), nil
	default:
		return nil, fmt.Errorf("unsupported broker: %s", name)
	}
}

// IsSupported проверяет, поддерживается ли брокер
func IsSupported(name string) bool {
	name = strings.ToLower(name)
	for _, supported := range SupportedBrokers {
		if name == supported {
			return true
		}
	}
	return false
}
