package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/moyoez/batchsend/notify"
	"github.com/moyoez/batchsend/tool"
	"github.com/moyoez/batchsend/types"
)

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload files and wait for the batch to finish",
		Long:  "Validates and uploads the given files, then prints one line per file. Exits non-zero if any file was rejected or failed.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runUpload,
	}
	cmd.Flags().BoolVar(&flags.SkipReachCheck, "skipReachCheck", false, "do not probe the ingestion endpoint before uploading")
	return cmd
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !flags.SkipReachCheck {
		if res := tool.ProbeReachable(ctx, appCfg.Endpoint); !res.Reachable {
			tool.DefaultLogger.Warnf("Ingestion endpoint %s looks unreachable: %s", appCfg.Endpoint, res.Error)
		}
	}

	failed := 0
	files := make([]types.FileDescriptor, 0, len(args))
	for _, path := range args {
		fd, err := tool.FileFromPath(path)
		if err != nil {
			tool.DefaultLogger.Errorf("Skipping %s: %v", path, err)
			failed++
			continue
		}
		files = append(files, fd)
	}

	engine := newEngine(ctx)
	sink := notify.NewSink(appCfg.NotifySocket, nil)
	go sink.Run(ctx)
	defer engine.Registry().Subscribe(sink.Observe)()

	for _, out := range engine.Submit(files) {
		if !out.Accepted() {
			tool.DefaultLogger.Warnf("Rejected %s: %s (%s)", out.Name, out.Reason, out.Detail)
			failed++
		}
	}

	waitErr := engine.Wait(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		tool.DefaultLogger.Warnf("Transfers did not stop in time: %v", err)
	}

	snap := engine.Snapshot()
	for _, u := range snap.Units {
		line := fmt.Sprintf("%-9s %s (%s)", u.Status, u.Name, tool.HumanBytes(u.ByteSize))
		if u.Error != "" {
			line += ": " + u.Error
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	counts := snap.Counts()
	failed += counts.Failed
	fmt.Fprintf(cmd.OutOrStdout(), "%d completed, %d failed or rejected\n", counts.Completed, failed)

	if waitErr != nil {
		return fmt.Errorf("upload interrupted: %v", waitErr)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files were not uploaded", failed, len(args))
	}
	return nil
}
