// Package market is the root of the askexperts market daemon: a
// decentralized question/answer marketplace settled over a Lightning
// side-channel. This file wires up the shared logging backend that every
// subsystem package (event, relay, protocol, payment, expert, scheduler)
// attaches to via its own UseLogger.
package market

import (
	"os"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/askexperts/market/event"
	"github.com/askexperts/market/expert"
	"github.com/askexperts/market/payment"
	"github.com/askexperts/market/protocol"
	"github.com/askexperts/market/relay"
	"github.com/askexperts/market/scheduler"
)

// subsystemLoggers maps each subsystem's short code, as used in
// --debuglevel=SUBSYS=level,... strings, to its UseLogger setter. The
// codes mirror the teacher's convention (PEER, RPCS, ...): EVNT, RLAY,
// PROT, PAYC, XPRT, SCHD.
var subsystemLoggers = make(map[string]func(btclog.Logger))

var logRotator *rotator.Rotator

var backendLog = btclog.NewBackend(logWriter{})

var mktLog = backendLog.Logger("MKT")

func init() {
	addSubLogger("EVNT", event.UseLogger)
	addSubLogger("RLAY", relay.UseLogger)
	addSubLogger("PROT", protocol.UseLogger)
	addSubLogger("PAYC", payment.UseLogger)
	addSubLogger("XPRT", expert.UseLogger)
	addSubLogger("SCHD", scheduler.UseLogger)
}

// NewSubLogger returns a btclog.Logger sharing this process's backend
// (and therefore its --logdir file, if any), for a subsystem that isn't
// one of the library packages wired in init() above — typically a
// cmd/* binary's own top-level logger.
func NewSubLogger(subsystem string) btclog.Logger {
	return backendLog.Logger(subsystem)
}

func addSubLogger(subsystem string, useLogger func(btclog.Logger)) {
	logger := backendLog.Logger(subsystem)
	useLogger(logger)
	subsystemLoggers[subsystem] = useLogger
}

// logWriter implements io.Writer and sends written data to stdout and, if
// a rotator has been installed via InitLogRotator, to the rotating log
// file as well. This is the same split-sink idiom the teacher's daemons
// use for --logdir.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

// InitLogRotator starts log rotation at logFile, rolling once it reaches
// maxLogFileSizeMB and keeping at most maxLogFiles old copies, matching
// the teacher's logdir flag semantics.
func InitLogRotator(logFile string, maxLogFileSizeMB, maxLogFiles int) error {
	r, err := rotator.New(logFile, int64(maxLogFileSizeMB*1024), false, maxLogFiles)
	if err != nil {
		return err
	}
	logRotator = r
	return nil
}

// SetLogLevel sets the logging level for a specific subsystem. Invalid
// subsystems are ignored, matching the teacher's forward-compatible
// behavior for unrecognized --debuglevel entries.
func SetLogLevel(subsystem, level string) {
	lvl, ok := btclog.LevelFromString(level)
	if !ok {
		return
	}
	logger, ok := subsystemLoggers[subsystem]
	if !ok {
		return
	}
	l := backendLog.Logger(subsystem)
	l.SetLevel(lvl)
	logger(l)
}

// SetLogLevels sets every known subsystem to level, used for the
// top-level --debuglevel=level shorthand.
func SetLogLevels(level string) {
	for subsystem := range subsystemLoggers {
		SetLogLevel(subsystem, level)
	}
}
