package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/btcsuite/btcd/btcec/v2"
	flags "github.com/jessevdk/go-flags"

	market "github.com/askexperts/market"
	"github.com/askexperts/market/expert"
	"github.com/askexperts/market/payment"
	"github.com/askexperts/market/protocol"
)

// expertdMain is the true entry point; kept separate from main so its
// defers run even when an error sends us down the os.Exit(1) path,
// mirroring the teacher's lndMain/main split.
func expertdMain() error {
	var cfg config
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		return err
	}

	if cfg.LogDir != "" {
		if err := market.InitLogRotator(cfg.LogDir+"/expertd.log", 10, 3); err != nil {
			return err
		}
	}
	applyDebugLevel(cfg.DebugLevel)

	privBytes, err := hex.DecodeString(cfg.PrivKeyHex)
	if err != nil {
		return fmt.Errorf("expertd: bad --privkey: %w", err)
	}
	priv := btcec.PrivKeyFromBytes(privBytes)

	wallet, err := payment.ParseNWCURI(cfg.NWCString)
	if err != nil {
		return fmt.Errorf("expertd: bad --nwc: %w", err)
	}
	defer wallet.Close()

	profile, err := loadProfile(cfg.ProfileFile)
	if err != nil {
		return err
	}
	var current atomic.Value
	current.Store(profile)

	rt := expert.NewRuntime(expert.Config{
		PrivateKey:         priv,
		Wallet:             wallet,
		PaymentConcurrency: cfg.PaymentConcurrency,
		DiscoveryRelays:    cfg.DiscoveryRelays,
		PromptRelays:       cfg.PromptRelays,
		Hashtags:           profile.Hashtags,
		Formats:            profile.Formats,
		Methods:            profile.Methods,
		Capabilities: protocol.ExpertCapabilities{
			OnAsk: func(ask *protocol.AskView) (*protocol.ExpertBid, bool) {
				p := current.Load().(*expertProfile)
				return &protocol.ExpertBid{
					Offer:        p.Description,
					PromptRelays: cfg.PromptRelays,
					Formats:      p.Formats,
					Methods:      p.Methods,
				}, true
			},
			OnPromptPrice: func(prompt *protocol.PromptView) (*protocol.ExpertPrice, error) {
				return &protocol.ExpertPrice{
					AmountSats:  cfg.PriceSats,
					Description: "flat per-prompt rate",
					ExpirySecs:  600,
				}, nil
			},
			// The answer generator itself (an LLM or other model
			// backend) is an external collaborator per spec.md §1;
			// this default simply echoes the question back, so the
			// daemon is runnable standalone. Production deployments
			// wire their own OnPromptPaid via the expert package
			// directly instead of this binary.
			OnPromptPaid: echoAnswer,
		},
		Profile: func() protocol.ProfileWire {
			p := current.Load().(*expertProfile)
			return protocol.ProfileWire{
				Nickname:    p.Nickname,
				Description: p.Description,
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		return err
	}
	defer rt.Stop()

	log.Infof("expertd: started, pubkey=%s", rt.PubKeyHex())

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-sighup:
			p, err := loadProfile(cfg.ProfileFile)
			if err != nil {
				log.Errorf("expertd: profile reload failed: %v", err)
				continue
			}
			current.Store(p)
			rt.RecomputeNow()
			log.Infof("expertd: profile reloaded")
		case <-interrupt:
			log.Infof("expertd: shutting down")
			return nil
		}
	}
}

func echoAnswer(prompt *protocol.PromptView, quote *protocol.Quote) (protocol.ReplyStream, error) {
	out := make(chan protocol.ReplyChunk, 1)
	go func() {
		defer close(out)
		out <- protocol.ReplyChunk{Index: 0, Format: prompt.Format, Content: prompt.Content, Done: true}
	}()
	return out, nil
}

func applyDebugLevel(spec string) {
	if !strings.Contains(spec, "=") {
		market.SetLogLevels(spec)
		return
	}
	for _, pair := range strings.Split(spec, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		market.SetLogLevel(kv[0], kv[1])
	}
}

func main() {
	if err := expertdMain(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
