package main

import (
	"encoding/json"
	"os"

	"github.com/go-errors/errors"

	market "github.com/askexperts/market"
)

var log = market.NewSubLogger("MWRK")

// config holds marketworker's command-line options. A single worker
// process hosts up to Capacity experts at once, each identified by the
// pubkeyHex the scheduler assigns it a job for; the actual signing key,
// discovery/prompt relays, and tag set are worker-local configuration
// (scheduler.ExpertRecord only carries the model/prompt/wallet fields
// that can legitimately change out from under a running instance — see
// DESIGN.md).
type config struct {
	SchedulerAddr string `long:"scheduler" description:"scheduler WebSocket address, e.g. ws://host:7000" required:"true"`
	WorkerID      string `long:"worker-id" description:"stable worker identity across reconnects; empty generates a random one"`

	Capacity int `long:"capacity" description:"max number of experts this worker hosts concurrently" default:"1"`

	KeystoreFile string `long:"keystore" description:"JSON file mapping expert pubkeyHex to its hex-encoded private key" required:"true"`

	DiscoveryRelays []string `long:"discovery-relay" description:"relay URL to publish profiles/discover asks on (repeatable)" required:"true"`
	PromptRelays    []string `long:"prompt-relay" description:"relay URL to receive prompts on (repeatable)" required:"true"`
	Hashtags        []string `long:"hashtag" description:"hashtag this worker's experts bid under (repeatable)" required:"true"`
	Formats         []string `long:"format" description:"reply format this worker's experts support (repeatable)" default:"text"`
	Methods         []string `long:"method" description:"payment method this worker's experts accept (repeatable)" default:"lightning"`

	PriceSats          uint64 `long:"price-sats" description:"flat per-prompt price in sats for hosted experts" default:"10"`
	PaymentConcurrency int    `long:"payment-concurrency" description:"max in-flight payInvoice calls per hosted expert" default:"5"`

	NeedJobInterval int `long:"need-job-interval-secs" description:"how often to ask the scheduler for work while under capacity" default:"5"`

	DebugLevel string `long:"debuglevel" description:"subsystem=level,... or a single level for everything" default:"info"`
	LogDir     string `long:"logdir" description:"directory for rotated log files; empty disables file logging"`
}

// keystoreFile is the on-disk shape of --keystore.
type keystoreFile struct {
	Keys map[string]string `json:"keys"`
}

func loadKeystore(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapPrefix(err, "marketworker: read keystore", 0)
	}
	var f keystoreFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errors.WrapPrefix(err, "marketworker: parse keystore", 0)
	}
	return f.Keys, nil
}
