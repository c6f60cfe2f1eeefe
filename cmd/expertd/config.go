package main

import (
	"encoding/json"
	"os"

	"github.com/go-errors/errors"

	market "github.com/askexperts/market"
)

const defaultDebugLevel = "info"
const defaultPaymentConcurrency = 5
const defaultPriceSats = 10

var log = market.NewSubLogger("EXPD")

// config holds expertd's command-line options: defaults come from the
// struct tags and flags given on the command line override them. No
// config file is read.
type config struct {
	PrivKeyHex string `long:"privkey" description:"hex-encoded secp256k1 private key identifying this expert" required:"true"`
	NWCString  string `long:"nwc" description:"Nostr Wallet Connect URI for this expert's wallet" required:"true"`

	ProfileFile string `long:"profile" description:"JSON file with nickname, description, hashtags, formats, methods; reloaded on SIGHUP" required:"true"`

	DiscoveryRelays []string `long:"discovery-relay" description:"relay URL to publish profiles/discover asks on (repeatable)" required:"true"`
	PromptRelays    []string `long:"prompt-relay" description:"relay URL to receive prompts on (repeatable)" required:"true"`

	PriceSats          uint64 `long:"price-sats" description:"flat per-prompt price in sats" default:"10"`
	PaymentConcurrency int    `long:"payment-concurrency" description:"max in-flight payInvoice calls" default:"5"`

	DebugLevel string `long:"debuglevel" description:"subsystem=level,... or a single level for everything" default:"info"`
	LogDir     string `long:"logdir" description:"directory for rotated log files; empty disables file logging"`
}

// expertProfile is the on-disk shape of --profile, matching SPEC_FULL.md
// §2.2's "JSON expert-profile file ... reloaded on SIGHUP".
type expertProfile struct {
	Nickname    string   `json:"nickname"`
	Description string   `json:"description"`
	Hashtags    []string `json:"hashtags"`
	Formats     []string `json:"formats"`
	Methods     []string `json:"methods"`
}

func loadProfile(path string) (*expertProfile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapPrefix(err, "expertd: read profile", 0)
	}
	var p expertProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.WrapPrefix(err, "expertd: parse profile", 0)
	}
	return &p, nil
}
