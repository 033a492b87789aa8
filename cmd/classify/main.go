// classify runs images through the inference server from the command line.
//
//	classify photo.jpg
//	classify -url http://localhost:7860/predict -json photo.png
//	classify -device 0 -frames 5
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/teslashibe/image-insight/internal/config"
	"github.com/teslashibe/image-insight/internal/log"
	"github.com/teslashibe/image-insight/pkg/camera"
	"github.com/teslashibe/image-insight/pkg/classify"
	"github.com/teslashibe/image-insight/pkg/loop"
	"github.com/teslashibe/image-insight/pkg/settings"
)

func main() {
	url := flag.String("url", "", "Inference server URL (default: saved setting)")
	settingsPath := flag.String("settings", config.DefaultSettingsPath(), "Settings file holding the inference server URL")
	timeout := flag.Duration("timeout", config.DefaultRequestTimeout, "Request timeout")
	device := flag.String("device", "", "Classify webcam frames from this device instead of a file")
	frames := flag.Int("frames", 1, "Number of webcam results to collect")
	interval := flag.Duration("interval", config.DefaultInterval, "Pause between webcam requests")
	asJSON := flag.Bool("json", false, "Print the final state as JSON")
	logLevel := flag.String("log-level", "warn", "Log level: debug, info, warn, error")
	flag.Parse()

	log.InitWriter(*logLevel, os.Stderr)

	if *device == "" && flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: classify [flags] <image>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	var store settings.Store = settings.NewMemoryStore()
	if *url == "" {
		fs, err := settings.NewJSONFileStore(*settingsPath)
		if err != nil {
			stdlog.Fatalf("settings: %v", err)
		}
		store = fs
	}
	endpoints := settings.NewEndpoints(store, *url)

	client := classify.NewClient(
		classify.WithTimeout(*timeout),
		classify.WithLogger(log.Component("classify")),
	)
	l := loop.New(client, endpoints, camera.Router{
		Local:  camera.OpenCVOpener{},
		WebRTC: camera.WebRTCOpener{Logger: log.Component("webrtc")},
	},
		loop.WithInterval(*interval),
		loop.WithLogger(log.Component("loop")),
	)
	defer l.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	if *device != "" {
		err = classifyWebcam(ctx, l, *device, *frames, *asJSON)
	} else {
		err = classifyFile(ctx, l, flag.Arg(0), *asJSON)
	}
	if err != nil {
		log.Error("classification failed", "kind", classify.KindOf(err).String(), "error", err)
		os.Exit(1)
	}
}

func classifyFile(ctx context.Context, l *loop.Loop, path string, asJSON bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	err = l.Upload(ctx, data)
	if errors.Is(err, camera.ErrNotImage) {
		return fmt.Errorf("%s: %w", path, err)
	}
	printSnapshot(l.Snapshot(), asJSON)
	return err
}

// classifyWebcam prints every applied result until n have arrived.
func classifyWebcam(ctx context.Context, l *loop.Loop, device string, n int, asJSON bool) error {
	results := make(chan loop.Snapshot, 16)
	var wasLoading bool
	l.OnChange(func(s loop.Snapshot) {
		if wasLoading && !s.IsLoading && s.Phase == loop.PhaseShowing {
			select {
			case results <- s:
			default:
			}
		}
		wasLoading = s.IsLoading
	})

	if err := l.StartWebcam(ctx, device); err != nil {
		return err
	}
	defer l.StopWebcam()

	for i := 0; i < n; i++ {
		select {
		case s := <-results:
			printSnapshot(s, asJSON)
		case <-ctx.Done():
			return nil
		case <-time.After(time.Minute):
			return errors.New("no result within a minute")
		}
	}
	return nil
}

func printSnapshot(s loop.Snapshot, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(s)
		return
	}
	if s.ErrorMessage != "" {
		fmt.Println(s.ErrorMessage)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tCLASS\tCONFIDENCE")
	for _, p := range s.Predictions {
		fmt.Fprintf(w, "%d\t%s\t%s\n", p.Rank, p.Class, p.ConfidencePercent)
	}
	w.Flush()
}
