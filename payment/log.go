package payment

import "github.com/btcsuite/btclog"

var log = btclog.Disabled

// UseLogger installs logger as the package's logger.
func UseLogger(logger btclog.Logger) {
	log = logger
}
