package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SimplyPrint/nfc-pcsc/internal/api"
	"github.com/SimplyPrint/nfc-pcsc/internal/config"
	"github.com/SimplyPrint/nfc-pcsc/internal/core"
	"github.com/SimplyPrint/nfc-pcsc/internal/logging"
	"github.com/SimplyPrint/nfc-pcsc/internal/pcsc"
	"github.com/SimplyPrint/nfc-pcsc/internal/settings"
)

// monitorRetry is the delay before restarting the monitor after the PC/SC
// service could not be reached.
const monitorRetry = 5 * time.Second

func main() {
	versionFlag := flag.Bool("version", false, "Print version information and exit")
	configFlag := flag.String("config", "", "Path to a YAML config file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "nfc-pcsc - PC/SC NFC reader service\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  nfc-pcsc [flags]\n")
		fmt.Fprintf(os.Stderr, "  nfc-pcsc <command>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  readers     List attached PC/SC readers\n")
		fmt.Fprintf(os.Stderr, "  version     Print version information\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  NFC_PCSC_HOST           Host to bind to (default: %s)\n", config.DefaultHost)
		fmt.Fprintf(os.Stderr, "  NFC_PCSC_PORT           Port to listen on (default: %d)\n", config.DefaultPort)
		fmt.Fprintf(os.Stderr, "  NFC_PCSC_LOG_LEVEL      debug, info, warn or error\n")
		fmt.Fprintf(os.Stderr, "  NFC_PCSC_POLL_INTERVAL  Reader status poll interval (default: %s)\n", config.DefaultPollInterval)
		fmt.Fprintf(os.Stderr, "  NFC_PCSC_AID            Default AID for ISO 14443-4 cards (hex)\n")
	}

	flag.Parse()

	if *versionFlag {
		printVersion()
		return
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	args := flag.Args()
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			return
		case "readers":
			if err := listReaders(cfg); err != nil {
				log.Fatalf("Failed to list readers: %v", err)
			}
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			flag.Usage()
			os.Exit(1)
		}
	}

	if err := run(cfg); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func printVersion() {
	fmt.Printf("nfc-pcsc %s\n", api.Version)
	fmt.Printf("Build time: %s\n", api.BuildTime)
	fmt.Printf("Git commit: %s\n", api.GitCommit)
}

func listReaders(cfg *config.Config) error {
	names, err := pcsc.NewMonitor(pcsc.WithIgnore(cfg.Readers.Ignore)).ListReaders()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("No readers found")
		return nil
	}
	for i, name := range names {
		fmt.Printf("%d: %s\n", i, name)
	}
	return nil
}

// readerOptions merges config defaults with the persisted user settings,
// which take precedence.
func readerOptions(cfg *config.Config, s settings.Settings) ([]core.ReaderOption, error) {
	auto := cfg.AutoProcessing()
	if s.AutoProcessing != nil {
		auto = *s.AutoProcessing
	}
	opts := []core.ReaderOption{core.WithAutoProcessing(auto)}

	aid := cfg.Readers.AID
	if s.AID != "" {
		aid = s.AID
	}
	if aid != "" {
		parsed, err := core.HexAID(aid)
		if err != nil {
			return nil, fmt.Errorf("default AID: %w", err)
		}
		opts = append(opts, core.WithAID(parsed))
	}
	return opts, nil
}

func run(cfg *config.Config) error {
	logging.Init(cfg.Log.Buffer, cfg.LogLevel())
	logging.Info(logging.CatSystem, "nfc-pcsc starting", map[string]any{
		"version": api.Version,
	})

	userSettings, err := settings.Load()
	if err != nil {
		logging.Warn(logging.CatSystem, "Failed to load settings, using defaults", map[string]any{"error": err.Error()})
		userSettings = settings.DefaultSettings()
	}
	if logging.InitSentry(api.Version, cfg.Sentry.DSN, userSettings.CrashReporting) {
		logging.Info(logging.CatSystem, "Crash reporting enabled", nil)
	}
	defer logging.FlushSentry(2 * time.Second)

	opts, err := readerOptions(cfg, *userSettings)
	if err != nil {
		return err
	}
	nfc := core.NewNFC(opts...)
	server := api.NewServer(nfc)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor := pcsc.NewMonitor(
		pcsc.WithPollInterval(cfg.Readers.PollInterval),
		pcsc.WithIgnore(cfg.Readers.Ignore),
	)
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		defer logging.RecoverAndLog("PC/SC monitor", false)
		runMonitor(ctx, monitor, nfc)
	}()

	addr := cfg.Address()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Printf("nfc-pcsc %s listening on http://%s\n", api.Version, addr)
		log.Printf("WebSocket available at ws://%s/v1/ws\n", addr)
		logging.Info(logging.CatSystem, "Server started", map[string]any{"address": addr})
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Println("Shutting down...")
	case err = <-serveErr:
		stop()
	}

	<-monitorDone
	nfc.Close()
	server.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		logging.Warn(logging.CatSystem, "HTTP shutdown incomplete", map[string]any{"error": shutdownErr.Error()})
	}
	logging.Info(logging.CatSystem, "nfc-pcsc stopped", nil)

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// runMonitor keeps the monitor running until ctx is done. Run only returns
// early when no PC/SC context can be established, e.g. while the service is
// stopped.
func runMonitor(ctx context.Context, m *pcsc.Monitor, nfc *core.NFC) {
	for {
		err := m.Run(ctx, nfc)
		if ctx.Err() != nil {
			return
		}
		logging.Warn(logging.CatPCSC, "PC/SC monitor stopped, retrying", map[string]any{
			"error": fmt.Sprint(err),
			"retry": monitorRetry.String(),
		})
		select {
		case <-ctx.Done():
			return
		case <-time.After(monitorRetry):
		}
	}
}
