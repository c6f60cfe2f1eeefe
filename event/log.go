package event

import "github.com/btcsuite/btclog"

// log is the package-level subsystem logger. It defaults to disabled so
// that importers which never call UseLogger (e.g. unit tests) see no
// log output.
var log = btclog.Disabled

// UseLogger installs logger as the package's logger. The root binary's
// log.go calls this for every subsystem it wires up.
func UseLogger(logger btclog.Logger) {
	log = logger
}
