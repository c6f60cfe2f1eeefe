package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	flags "github.com/jessevdk/go-flags"

	market "github.com/askexperts/market"
	"github.com/askexperts/market/expert"
	"github.com/askexperts/market/payment"
	"github.com/askexperts/market/protocol"
	"github.com/askexperts/market/scheduler"
)

// hostedExpert is one expert.Runtime this worker currently runs, plus
// the cancellation needed to tear it down on a stop/restart message.
type hostedExpert struct {
	rt     *expert.Runtime
	cancel context.CancelFunc
	wallet *payment.NWCWallet
}

// workerdMain is the true entry point; kept separate from main so its
// defers run even when an error sends us down the os.Exit(1) path,
// mirroring the teacher's lndMain/main split.
func workerdMain() error {
	var cfg config
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		return err
	}

	if cfg.LogDir != "" {
		if err := market.InitLogRotator(cfg.LogDir+"/marketworker.log", 10, 3); err != nil {
			return err
		}
	}
	applyDebugLevel(cfg.DebugLevel)

	keys, err := loadKeystore(cfg.KeystoreFile)
	if err != nil {
		return err
	}

	client, err := scheduler.Dial(cfg.SchedulerAddr, cfg.WorkerID)
	if err != nil {
		return fmt.Errorf("marketworker: dial scheduler: %w", err)
	}
	defer client.Close()

	var mu sync.Mutex
	running := make(map[string]*hostedExpert)

	if err := client.SendExperts(nil); err != nil {
		return fmt.Errorf("marketworker: initial experts announce: %w", err)
	}

	needJobInterval := time.Duration(cfg.NeedJobInterval) * time.Second
	if needJobInterval <= 0 {
		needJobInterval = 5 * time.Second
	}
	needJobTicker := time.NewTicker(needJobInterval)
	defer needJobTicker.Stop()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	log.Infof("marketworker: connected to %s, capacity=%d", cfg.SchedulerAddr, cfg.Capacity)

	for {
		select {
		case <-needJobTicker.C:
			mu.Lock()
			n := len(running)
			mu.Unlock()
			if n < cfg.Capacity {
				if err := client.SendNeedJob(); err != nil {
					log.Debugf("marketworker: need_job: %v", err)
				}
			}

		case msg, ok := <-client.Messages:
			if !ok {
				log.Infof("marketworker: scheduler connection closed")
				return nil
			}
			switch msg.Type {
			case scheduler.TypeJob:
				startJob(&cfg, &mu, running, client, keys, msg.Job)
			case scheduler.TypeStop:
				stopJob(&mu, running, client, msg.Stop.ExpertPubkey)
			case scheduler.TypeRestart:
				// Stopping and reporting `stopped` is enough; the
				// scheduler immediately follows a restart-triggered
				// stop with a fresh job carrying the new snapshot.
				stopJob(&mu, running, client, msg.Restart.ExpertPubkey)
			case scheduler.TypeNoJob:
				// nothing queued right now, needJobTicker will retry.
			}

		case <-interrupt:
			log.Infof("marketworker: shutting down")
			mu.Lock()
			for pk, h := range running {
				h.cancel()
				h.rt.Stop()
				delete(running, pk)
			}
			mu.Unlock()
			return nil
		}
	}
}

func startJob(cfg *config, mu *sync.Mutex, running map[string]*hostedExpert, client *scheduler.Client, keys map[string]string, job *scheduler.JobPayload) {
	mu.Lock()
	if _, exists := running[job.ExpertPubkey]; exists {
		mu.Unlock()
		return
	}
	mu.Unlock()

	privHex, ok := keys[job.ExpertPubkey]
	if !ok {
		log.Errorf("marketworker: job for %s: no key in keystore", job.ExpertPubkey)
		return
	}
	privBytes, err := hex.DecodeString(privHex)
	if err != nil {
		log.Errorf("marketworker: job for %s: bad keystore entry: %v", job.ExpertPubkey, err)
		return
	}
	priv := btcec.PrivKeyFromBytes(privBytes)

	nwcString := job.NWCString
	if nwcString == "" && job.Expert != nil {
		nwcString = job.Expert.WalletNWC
	}
	wallet, err := payment.ParseNWCURI(nwcString)
	if err != nil {
		log.Errorf("marketworker: job for %s: bad wallet: %v", job.ExpertPubkey, err)
		return
	}

	rec := job.Expert
	rt := expert.NewRuntime(expert.Config{
		PrivateKey:         priv,
		Wallet:             wallet,
		PaymentConcurrency: cfg.PaymentConcurrency,
		DiscoveryRelays:    cfg.DiscoveryRelays,
		PromptRelays:       cfg.PromptRelays,
		Hashtags:           cfg.Hashtags,
		Formats:            cfg.Formats,
		Methods:            cfg.Methods,
		Capabilities: protocol.ExpertCapabilities{
			OnAsk: func(ask *protocol.AskView) (*protocol.ExpertBid, bool) {
				return &protocol.ExpertBid{
					Offer:        offerText(rec),
					PromptRelays: cfg.PromptRelays,
					Formats:      cfg.Formats,
					Methods:      cfg.Methods,
				}, true
			},
			OnPromptPrice: func(prompt *protocol.PromptView) (*protocol.ExpertPrice, error) {
				return &protocol.ExpertPrice{
					AmountSats:  cfg.PriceSats,
					Description: "flat per-prompt rate",
					ExpirySecs:  600,
				}, nil
			},
			// The model named by rec.Model is hosted by an external
			// answer-generation collaborator per spec.md §1; this
			// default echoes the prompt back prefixed by the system
			// prompt so the worker is runnable standalone.
			OnPromptPaid: promptHandler(rec),
		},
		Profile: func() protocol.ProfileWire {
			return protocol.ProfileWire{
				Nickname:    job.ExpertPubkey[:8],
				Description: offerText(rec),
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := rt.Start(ctx); err != nil {
		cancel()
		log.Errorf("marketworker: start %s: %v", job.ExpertPubkey, err)
		return
	}

	mu.Lock()
	running[job.ExpertPubkey] = &hostedExpert{rt: rt, cancel: cancel, wallet: wallet}
	mu.Unlock()

	if err := client.SendStarted(job.ExpertPubkey); err != nil {
		log.Debugf("marketworker: send started %s: %v", job.ExpertPubkey, err)
	}
	log.Infof("marketworker: started %s", job.ExpertPubkey)
}

func stopJob(mu *sync.Mutex, running map[string]*hostedExpert, client *scheduler.Client, pubkey string) {
	mu.Lock()
	h, exists := running[pubkey]
	if exists {
		delete(running, pubkey)
	}
	mu.Unlock()
	if !exists {
		return
	}

	h.rt.Stop()
	h.cancel()
	h.wallet.Close()

	if err := client.SendStopped(pubkey); err != nil {
		log.Debugf("marketworker: send stopped %s: %v", pubkey, err)
	}
	log.Infof("marketworker: stopped %s", pubkey)
}

func offerText(rec *scheduler.ExpertRecord) string {
	if rec == nil || rec.SystemPrompt == "" {
		return "general purpose expert"
	}
	return rec.SystemPrompt
}

func promptHandler(rec *scheduler.ExpertRecord) protocol.OnPromptPaidFunc {
	return func(prompt *protocol.PromptView, quote *protocol.Quote) (protocol.ReplyStream, error) {
		out := make(chan protocol.ReplyChunk, 1)
		go func() {
			defer close(out)
			content := prompt.Content
			if rec != nil && rec.SystemPrompt != "" {
				content = rec.SystemPrompt + ": " + prompt.Content
			}
			out <- protocol.ReplyChunk{Index: 0, Format: prompt.Format, Content: content, Done: true}
		}()
		return out, nil
	}
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
	if err := workerdMain(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
