package main

import (
	"encoding/json"
	"os"

	"github.com/go-errors/errors"

	market "github.com/askexperts/market"
	"github.com/askexperts/market/scheduler"
)

var log = market.NewSubLogger("SCHD")

// config holds schedulerd's command-line options.
type config struct {
	ListenAddr string `long:"listen" description:"TCP address to accept worker connections on" default:":7000"`

	ExpertsFile string `long:"experts" description:"JSON file listing the experts this scheduler assigns to workers" required:"true"`

	DebugLevel string `long:"debuglevel" description:"subsystem=level,... or a single level for everything" default:"info"`
	LogDir     string `long:"logdir" description:"directory for rotated log files; empty disables file logging"`
}

// expertsFile is the on-disk shape of --experts: a flat list of the
// expert records this scheduler's ExpertStore initially serves. A
// production deployment backs scheduler.ExpertStore with its own
// datastore instead of this file-backed one (ExpertStore is an
// external-collaborator seam per spec.md's Non-goals on embedded
// storage).
type expertsFile struct {
	Experts []*scheduler.ExpertRecord `json:"experts"`
}

func loadExpertStore(path string) (*scheduler.MemoryExpertStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapPrefix(err, "schedulerd: read experts file", 0)
	}
	var f expertsFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errors.WrapPrefix(err, "schedulerd: parse experts file", 0)
	}
	store := scheduler.NewMemoryExpertStore()
	for _, rec := range f.Experts {
		store.Put(rec)
	}
	return store, nil
}
