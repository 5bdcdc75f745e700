package sim

import "perparb/pkg/exchange"

func init() {
	exchange.RegisterProvider("sim", func(name string, cfg *exchange.ProviderConfig) (exchange.Provider, error) {
		return New(name), nil
	})
}
