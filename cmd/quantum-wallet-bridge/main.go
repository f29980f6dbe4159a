package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-go-utils/tpmdevice"

	agentconfig "github.com/quantumauth-io/quantum-wallet-bridge/cmd/quantum-wallet-bridge/config"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/bridge"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/chains"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/coordinator"
	agenthttp "github.com/quantumauth-io/quantum-wallet-bridge/internal/http"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/keystore"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/nativemsg"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/pagebus"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/protocol"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/relay"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/securefile"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/signer"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/store"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/window"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const stateFile = "state.json"

type Options struct {
	Native    bool   `long:"native" description:"serve the browser extension over native messaging on stdin/stdout"`
	Pair      bool   `long:"pair" description:"print a one-time pairing code even when an extension is already paired"`
	InfuraKey string `long:"infura-key" env:"QWB_INFURA_KEY" description:"Infura API key for the default RPC endpoints"`

	Request string `long:"request" description:"send one EIP-1193 request through the running agent and print the result"`
	Params  string `long:"params" default:"[]" description:"JSON params for --request"`
	Origin  string `long:"origin" default:"http://localhost" description:"origin presented with --request"`
}

func main() {
	opts := &Options{}
	// browsers pass the caller origin as a positional argument to native hosts
	if _, err := flags.Parse(opts); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			return
		}
		os.Exit(2)
	}

	// the logger writes to stdout, which the browser reads as frames
	var frames *os.File
	if opts.Native {
		var err error
		if frames, err = detachStdout(); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "native messaging:", err)
			os.Exit(1)
		}
		defer frames.Close()
	}

	log.Info("quantum-wallet-bridge",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := agentconfig.Load()
	if err != nil {
		log.Fatal("failed to parse config", "error", err)
	}
	if opts.InfuraKey != "" {
		if err = cfg.InjectInfuraKey(opts.InfuraKey); err != nil {
			log.Fatal("invalid infura key", "error", err)
		}
	}

	dir, err := securefile.ConfigDir(agentconfig.AppName)
	if err != nil {
		log.Fatal("failed to resolve config dir", "error", err)
	}
	tokenPath := filepath.Join(dir, agenthttp.PairingTokenFile)

	if opts.Request != "" {
		if err = request(ctx, cfg, tokenPath, opts); err != nil {
			log.Error("request failed", "method", opts.Request, "error", err)
			os.Exit(1)
		}
		return
	}

	if err = runAgent(ctx, cfg, dir, tokenPath, opts, frames); err != nil {
		log.Error("agent stopped", "error", err)
		os.Exit(1)
	}
}

// runAgent serves until ctx ends. frames carries native messaging output when opts.Native is set.
func runAgent(ctx context.Context, cfg *agentconfig.Config, dir, tokenPath string, opts *Options, frames *os.File) error {
	keys := keystore.New(filepath.Join(dir, keystore.VaultFile), securefile.Options{})
	pw, err := readPassword("Vault password: ")
	if err != nil {
		return err
	}
	err = keys.Unlock(pw)
	zeroBytes(pw)
	if err != nil {
		return fmt.Errorf("unlock vault: %w", err)
	}
	defer keys.Lock()

	kv, err := store.NewFileKV(filepath.Join(dir, stateFile))
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	state := store.NewState(kv, cfg.StateOptions()...)

	chips, err := signer.NewSealedChips(filepath.Join(dir, signer.ChipsFile), tpmdevice.NewSealer(""))
	if err != nil {
		return fmt.Errorf("chip bridge: %w", err)
	}

	chain, err := chains.New(cfg.EthNetworks)
	if err != nil {
		return fmt.Errorf("chains: %w", err)
	}
	defer chain.Close()

	windows := window.NewRegistry(0)
	tabs := coordinator.NewTabFeed()

	coord, err := coordinator.New(cfg.Coordinator, coordinator.Deps{
		State:    state,
		Accounts: keys,
		Signers:  signer.NewSelector(keys, chips),
		Chain:    chain,
		Windows:  windows,
		Pusher:   tabs,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := coord.Run(runCtx); err != nil {
			log.Error("coordinator stopped", "error", err)
			cancel()
		}
	}()

	handler, err := agenthttp.NewServer(agenthttp.Options{
		Coordinator:      coord,
		Grants:           state,
		Windows:          windows,
		PairingTokenPath: tokenPath,
		AllowedOrigins:   cfg.AgentSettings.AllowedOrigins,
		PairTTL:          cfg.PairTTL(),
	})
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(tokenPath); opts.Pair || statErr != nil {
		if _, err := handler.OfferPairing(); err != nil {
			log.Warn("could not create pairing code", "error", err)
		}
	}

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("agent listening", "addr", cfg.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	if opts.Native {
		host := nativemsg.NewHost(coord, tabs, os.Stdin, frames)
		go func() {
			if err := host.Serve(runCtx); err != nil {
				log.Error("native messaging host failed", "error", err)
			}
			// the browser closing the pipe ends the host process
			cancel()
		}()
	}

	<-runCtx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err = server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", "error", err)
	} else {
		log.Info("HTTP server gracefully stopped")
	}
	return nil
}

// request plays the dApp side: page bus, relay and the agent's HTTP API.
func request(ctx context.Context, cfg *agentconfig.Config, tokenPath string, opts *Options) error {
	token, err := os.ReadFile(tokenPath)
	if err != nil {
		return fmt.Errorf("read pairing token (is the agent paired?): %w", err)
	}
	var params json.RawMessage
	if err := json.Unmarshal([]byte(opts.Params), &params); err != nil {
		return fmt.Errorf("--params: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	transport := agenthttp.NewClient("http://"+cfg.Addr(), string(trimNewline(token)))
	r := relay.New(transport, protocol.Sender{TabID: os.Getpid(), Origin: opts.Origin}, cfg.RelayConfig())
	go func() { _ = r.Run(ctx) }()

	bus := &pagebus.Bus{}
	serving := r.ServePage(ctx, bus)
	defer serving.Unsubscribe()

	provider := bridge.NewProvider(bus)
	defer provider.Close()

	res, err := provider.Request(ctx, opts.Request, params)
	if err != nil {
		return err
	}
	fmt.Println(string(res))
	return nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
