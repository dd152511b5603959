// Command qdl is the interactive flashing client. It either embeds a
// connection.Engine directly against a local USB transport, or drives a
// remote qdl-agent over gRPC when --agent is given.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"qdl/internal/cli/ui"
	"qdl/internal/config"
	"qdl/internal/transport/usb"
	"qdl/internal/verboselog"
	edlpbv1 "qdl/internal/rpc/edlpb/v1"
	"qdl/pkg/edl"
	"qdl/pkg/edl/auth"
	"qdl/pkg/edl/connection"
	"qdl/pkg/edl/sahara"
	"qdl/pkg/edl/superflash"
	"qdl/pkg/edl/transport"
)

// applyAuthOverride replaces eng's auth registry with a single manual
// strategy when mode is set (spec.md §6 connect inputs: auth mode, digest
// path, sig path). An empty/"auto" mode leaves the per-OEM default
// registry untouched.
func applyAuthOverride(eng *connection.Engine, mode, digestPath, sigPath string) error {
	var digestHex, sigHex string
	if digestPath != "" {
		data, err := os.ReadFile(digestPath)
		if err != nil {
			return fmt.Errorf("read digest file: %w", err)
		}
		digestHex = hex.EncodeToString(data)
	}
	if sigPath != "" {
		data, err := os.ReadFile(sigPath)
		if err != nil {
			return fmt.Errorf("read signature file: %w", err)
		}
		sigHex = hex.EncodeToString(data)
	}
	strat, err := auth.StrategyForMode(mode, digestHex, sigHex)
	if err != nil {
		return err
	}
	if strat != nil {
		eng.AuthRegs = auth.NewRegistry(strat)
	}
	return nil
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "flash-super" {
		runFlashSuperCmd(os.Args[2:])
		return
	}

	agentAddr := flag.String("agent", "", "qdl-agent address (host:port); empty runs against local USB directly")
	programmer := flag.String("programmer", "", "path to the Sahara programmer image")
	partition := flag.String("flash", "", "partition name to flash")
	source := flag.String("source", "", "image file to flash onto --flash")
	firehoseDirect := flag.Bool("firehose-direct", false, "skip Sahara, connect straight to an already-resident Firehose loader")
	logJSON := flag.String("log-json", "", "also replay verbose protocol lines as JSON to this file")
	authMode := flag.String("auth-mode", "", "override OEM auth strategy: none|signature|challenge (default: auto-detect by OEM id)")
	digestPath := flag.String("digest-path", "", "path to the VIP auth digest blob (signature mode)")
	sigPath := flag.String("sig-path", "", "path to the VIP auth signature blob (signature mode)")
	flag.Parse()

	feed := ui.NewFeed()
	model := ui.NewModel(feed)
	program := tea.NewProgram(model)

	go func() {
		var err error
		if *agentAddr != "" {
			err = runRemote(*agentAddr, *partition, *source, feed)
		} else {
			err = runLocal(*programmer, *partition, *source, *firehoseDirect, *logJSON, *authMode, *digestPath, *sigPath, feed)
		}
		if err != nil {
			feed.Push(ui.LogMsg(fmt.Sprintf("fatal: %v", err)))
		}
	}()

	if _, err := program.Run(); err != nil {
		log.Fatalf("qdl: ui: %v", err)
	}
}

// runFlashSuperCmd drives `qdl flash-super <plan.json>`: a headless batch
// flash of a pre-split dynamic-partition set (spec.md §4.G flashSuperSplit),
// with no TUI since there is nothing interactive to confirm mid-batch.
func runFlashSuperCmd(args []string) {
	fs := flag.NewFlagSet("flash-super", flag.ExitOnError)
	programmer := fs.String("programmer", "", "path to the Sahara programmer image")
	logJSON := fs.String("log-json", "", "also replay verbose protocol lines as JSON to this file")
	authMode := fs.String("auth-mode", "", "override OEM auth strategy: none|signature|challenge (default: auto-detect by OEM id)")
	digestPath := fs.String("digest-path", "", "path to the VIP auth digest blob (signature mode)")
	sigPath := fs.String("sig-path", "", "path to the VIP auth signature blob (signature mode)")
	fs.Parse(args)

	if fs.NArg() != 1 {
		log.Fatal("qdl flash-super: usage: qdl flash-super [--programmer path] <plan.json>")
	}
	planPath := fs.Arg(0)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("qdl flash-super: load config: %v", err)
	}
	if *programmer == "" {
		*programmer = cfg.ProgrammerPath
	}
	if *logJSON == "" {
		*logJSON = cfg.LogJSONPath
	}

	plan, err := superflash.LoadPlan(planPath)
	if err != nil {
		log.Fatalf("qdl flash-super: %v", err)
	}

	tr := usb.New(cfg.USBVendorID, cfg.USBProductID)
	eng := connection.New(tr)
	if err := applyAuthOverride(eng, *authMode, *digestPath, *sigPath); err != nil {
		log.Fatalf("qdl flash-super: %v", err)
	}
	eng.Summary = func(format string, args ...any) { log.Printf(format, args...) }
	if *logJSON != "" {
		verbose, f, err := verboselog.Open(*logJSON)
		if err != nil {
			log.Fatalf("qdl flash-super: %v", err)
		}
		defer f.Close()
		eng.Verbose = verbose
	}
	defer eng.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	img, err := sahara.OpenFileImage(*programmer)
	if err != nil {
		log.Fatalf("qdl flash-super: %v", err)
	}
	defer img.Close()

	storage := edl.StorageDescriptor{Kind: edl.StorageKind(cfg.StorageKind), SectorSize: cfg.SectorSize}
	if err := eng.Connect(ctx, transport.OpenOptions{DiscardOnOpen: true}, img, storage); err != nil {
		log.Fatalf("qdl flash-super: connect: %v", err)
	}
	if err := eng.Authenticate(ctx); err != nil {
		log.Printf("qdl flash-super: authenticate: %v (continuing unauthenticated)", err)
	}

	err = superflash.Apply(ctx, eng, plan, func(sent, total int64) {
		log.Printf("flash-super progress: %d/%d bytes", sent, total)
	})
	if err != nil {
		log.Fatalf("qdl flash-super: %v", err)
	}
	log.Printf("qdl flash-super: complete, %d tasks", len(plan.Tasks))
}

func runLocal(programmerPath, partitionName, sourcePath string, firehoseDirect bool, logJSONPath, authMode, digestPath, sigPath string, feed ui.Feed) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if logJSONPath == "" {
		logJSONPath = cfg.LogJSONPath
	}

	tr := usb.New(cfg.USBVendorID, cfg.USBProductID)
	eng := connection.New(tr)
	if err := applyAuthOverride(eng, authMode, digestPath, sigPath); err != nil {
		return err
	}
	eng.Summary = func(format string, args ...any) { feed.Push(ui.LogMsg(fmt.Sprintf(format, args...))) }
	if logJSONPath != "" {
		verbose, f, err := verboselog.Open(logJSONPath)
		if err != nil {
			return err
		}
		defer f.Close()
		eng.Verbose = verbose
	}
	eng.OnEvent(func(event any) {
		switch e := event.(type) {
		case connection.StateChanged:
			feed.Push(ui.StateMsg{From: e.From.String(), To: e.To.String()})
		case connection.PortDisconnected:
			feed.Push(ui.LogMsg("device disconnected"))
		}
	})
	defer eng.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	opts := transport.OpenOptions{DiscardOnOpen: true}
	storage := edl.StorageDescriptor{Kind: edl.StorageKind(cfg.StorageKind), SectorSize: cfg.SectorSize}

	if firehoseDirect {
		if err := eng.ConnectFirehoseDirect(ctx, opts, storage); err != nil {
			return err
		}
	} else {
		if programmerPath == "" {
			programmerPath = cfg.ProgrammerPath
		}
		img, err := sahara.OpenFileImage(programmerPath)
		if err != nil {
			return err
		}
		defer img.Close()
		if err := eng.Connect(ctx, opts, img, storage); err != nil {
			return err
		}
	}

	chip := eng.Chip()
	feed.Push(ui.ChipMsg{Serial: chip.Serial, HWID: chip.HWID})

	if err := eng.Authenticate(ctx); err != nil {
		feed.Push(ui.LogMsg(fmt.Sprintf("authenticate: %v (continuing unauthenticated)", err)))
	}

	if partitionName == "" {
		return nil
	}
	if err := eng.ReadAllGpt(ctx, 8); err != nil {
		return err
	}
	return eng.WritePartition(ctx, partitionName, sourcePath, func(sent, total int64) {
		feed.Push(ui.ProgressMsg{Transferred: sent, Total: total})
	})
}

func runRemote(addr, partitionName, sourcePath string, feed ui.Feed) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	client := edlpbv1.NewAgentClient(conn)
	ctx := context.Background()

	status, err := client.GetStatus(ctx, &edlpbv1.StatusRequest{})
	if err != nil {
		return err
	}
	feed.Push(ui.StateMsg{From: status.State, To: status.State})
	feed.Push(ui.ChipMsg{Serial: status.Chip.Serial, HWID: status.Chip.HWID})

	if partitionName == "" {
		return nil
	}

	stream, err := client.FlashPartition(ctx, &edlpbv1.FlashPartitionRequest{
		PartitionName: partitionName,
		SourcePath:    sourcePath,
	})
	if err != nil {
		return err
	}
	for {
		ev, err := stream.Recv()
		if err != nil {
			return err
		}
		if ev.Error != "" {
			return fmt.Errorf("flash %s: %s", partitionName, ev.Error)
		}
		feed.Push(ui.ProgressMsg{Transferred: ev.TransferredBytes, Total: ev.TotalBytes, Done: ev.Done})
		if ev.Done {
			return nil
		}
	}
}
