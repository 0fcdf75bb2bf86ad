package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/moyoez/batchsend/api"
	"github.com/moyoez/batchsend/api/notifyhub"
	"github.com/moyoez/batchsend/notify"
	"github.com/moyoez/batchsend/orchestrator"
	"github.com/moyoez/batchsend/policy"
	"github.com/moyoez/batchsend/registry"
	"github.com/moyoez/batchsend/tool"
	"github.com/moyoez/batchsend/transfer"
	"github.com/moyoez/batchsend/types"
)

// ShutdownTimeout bounds graceful shutdown of the server and the transfers.
const ShutdownTimeout = 5 * time.Second

var (
	flags  types.Config
	appCfg types.AppConfig
)

func main() {
	root := &cobra.Command{
		Use:               "batchsend",
		Short:             "Batch file upload engine",
		Long:              "Validates file selections, uploads them to an ingestion endpoint with bounded concurrency and exposes a local control API.",
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		RunE:              runServe,
	}
	tool.BindFlags(root, &flags)
	root.AddCommand(newServeCmd())
	root.AddCommand(newUploadCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	// initialize logger
	tool.InitLogger()
	tool.SetLogMode(flags.Log)

	cfg, err := tool.LoadConfig(flags.UseConfigPath)
	if err != nil {
		return err
	}
	tool.ApplyFlagOverrides(&cfg, flags)
	tool.SetFlagOverrides(&flags)

	if flags.SkipNotify {
		notify.SetUseNotify(false)
	}
	notify.SetNotifyWSEnabled(cfg.NotifyWS)
	appCfg = cfg
	tool.DefaultLogger.Debugf("Config loaded: endpoint=%s maxConcurrent=%d maxBytes=%s", cfg.Endpoint, cfg.MaxConcurrent, tool.HumanBytes(cfg.MaxBytes))
	return nil
}

func newEngine(ctx context.Context) *orchestrator.Orchestrator {
	transport := transfer.NewHTTPTransport(appCfg.Endpoint, appCfg.RequestTimeout)
	return orchestrator.New(registry.New(), transport,
		orchestrator.WithContext(ctx),
		orchestrator.WithPolicy(policy.New(appCfg.AllowedTypes, appCfg.MaxBytes)),
		orchestrator.WithMaxConcurrent(appCfg.MaxConcurrent),
		orchestrator.WithProgressInterval(appCfg.ProgressInterval),
	)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local control API (default)",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := newEngine(ctx)

	var wsHub notify.NotifyHub
	if notify.NotifyWSEnabled() {
		hub := notifyhub.New()
		go hub.Run(ctx)
		engine.Registry().Subscribe(hub.Observe)
		api.SetNotifyHub(hub)
		wsHub = hub
	}
	sink := notify.NewSink(appCfg.NotifySocket, wsHub)
	go sink.Run(ctx)
	engine.Registry().Subscribe(sink.Observe)

	api.SetReceiptTTL(appCfg.ReceiptTTL)
	api.SetOrchestrator(engine)

	server := api.NewServer(appCfg.Port)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	for _, target := range []string{appCfg.Endpoint, appCfg.AuthURL} {
		if target == "" {
			continue
		}
		go func(target string) {
			if res := tool.ProbeReachable(ctx, target); !res.Reachable {
				tool.DefaultLogger.Warnf("%s looks unreachable: %s", target, res.Error)
			} else {
				tool.DefaultLogger.Infof("%s reachable via %s (%dms)", target, res.Method, res.LatencyMs)
			}
		}(target)
	}

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server startup failed: %v", err)
		}
	case <-ctx.Done():
		tool.DefaultLogger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		tool.DefaultLogger.Warnf("API server shutdown: %v", err)
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		tool.DefaultLogger.Warnf("Transfers did not stop in time: %v", err)
	}
	return nil
}
