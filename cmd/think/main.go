// Command think is the CLI harness around pkg/uct: it loads a weight
// file, wires an accelerator backend, and drives a think() call,
// reporting progress the way a GTP/UCI front end would if one
// were plugged in. It owns no chess (or any other game's) rules —
// those stay an external collaborator per pkg/position — so its
// "bench" subcommand exercises the search loop against a small
// synthetic position instead of a real board.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/orneryd/uctcore/pkg/accelerator"
	"github.com/orneryd/uctcore/pkg/config"
	"github.com/orneryd/uctcore/pkg/network"
	"github.com/orneryd/uctcore/pkg/telemetry"
	"github.com/orneryd/uctcore/pkg/uct"
	"github.com/orneryd/uctcore/pkg/weights"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "think",
		Short: "Neural-guided UCT search core CLI",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a uctcore.yaml config file")

	root.AddCommand(newProbeCmd())
	root.AddCommand(newBenchCmd(&configPath))
	return root
}

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe <weights-file>",
		Short: "Report a weight file's format version, channel count and block count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			info, err := f.Stat()
			if err != nil {
				return err
			}

			result, err := weights.Probe(f)
			if err != nil {
				return err
			}
			fmt.Printf("file:    %s (%s)\n", args[0], humanize.Bytes(uint64(info.Size())))
			fmt.Printf("version: %d\n", result.Version)
			fmt.Printf("channels: %d\n", result.Channels)
			fmt.Printf("blocks:   %d\n", result.Blocks)
			return nil
		},
	}
}

func newBenchCmd(configPath *string) *cobra.Command {
	var weightsPath string
	var playouts int
	var timeLimitMs int
	var threads int

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a think() call against a synthetic benchmark position",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if weightsPath != "" {
				cfg.WeightsPath = weightsPath
			}
			if playouts > 0 {
				cfg.PlayoutLimit = playouts
			}
			if timeLimitMs > 0 {
				cfg.TimeLimitMs = timeLimitMs
			}
			if threads > 0 {
				cfg.NumThreads = threads
			}
			return runBench(cfg)
		},
	}
	cmd.Flags().StringVar(&weightsPath, "weights", "", "path to a weight file (text or gzip); a tiny zero-weight network is used if omitted")
	cmd.Flags().IntVar(&playouts, "playouts", 800, "playout budget override")
	cmd.Flags().IntVar(&timeLimitMs, "time-ms", 0, "time budget override, in milliseconds")
	cmd.Flags().IntVar(&threads, "threads", 0, "worker count override")
	return cmd
}

func runBench(cfg *config.Config) error {
	log := telemetry.NewLogger("uctcore")
	meter, err := telemetry.NewMeter()
	if err != nil {
		return err
	}

	w, err := loadOrSyntheticWeights(cfg.WeightsPath)
	if err != nil {
		return err
	}
	net := network.New(w)

	var backend accelerator.Backend
	cpu := accelerator.NewCPU(net)
	switch cfg.AcceleratorBackend {
	case "", "cpu":
		backend = cpu
	case "self-checked":
		selfCfg := accelerator.DefaultSelfCheckedConfig()
		selfCfg.SampleRate = cfg.SelfCheckProbability
		backend = accelerator.NewSelfChecked(cpu, cpu, selfCfg, log, time.Now().UnixNano())
	default:
		return fmt.Errorf("unknown accelerator backend %q", cfg.AcceleratorBackend)
	}

	eval := uct.NewBackendEvaluator(backend, w, float32(cfg.SoftmaxTemperature))

	driverCfg := uct.Config{
		NumWorkers:         cfg.NumThreads,
		PlayoutLimit:       cfg.PlayoutLimit,
		TimeLimit:          time.Duration(cfg.TimeLimitMs) * time.Millisecond,
		CPuct:              cfg.CPuct,
		VirtualLoss:        int32(cfg.VirtualLoss),
		MaxTreeNodes:       cfg.MaxTreeNodes,
		SoftmaxTemperature: float32(cfg.SoftmaxTemperature),
	}
	driver := uct.NewDriver(driverCfg, eval, log, meter)

	callID := uuid.New().String()
	log.Info("starting bench think call", "call_id", callID, "playouts", cfg.PlayoutLimit, "threads", cfg.NumThreads)

	pos := newBenchPosition(64, w.InputChannels, 64)
	start := time.Now()
	move, err := driver.Think(context.Background(), pos)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	snap := driver.DumpStats()
	fmt.Printf("best move: %v\n", move)
	fmt.Printf("playouts:  %s in %s (%s/s)\n",
		humanize.Comma(snap.Playouts), elapsed.Round(time.Millisecond),
		humanize.Comma(int64(float64(snap.Playouts)/elapsed.Seconds())))
	for _, c := range snap.Children {
		fmt.Printf("  move=%v visits=%d Q=%.3f prior=%.4f\n", c.Move, c.Visits, c.Q, c.Prior)
	}
	return nil
}

func loadOrSyntheticWeights(path string) (*weights.Weights, error) {
	if path == "" {
		return syntheticWeights()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return weights.Load(f, telemetry.NewLogger("uctcore"))
}
