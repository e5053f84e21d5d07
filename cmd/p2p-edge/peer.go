package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"tarun-kavipurapu/p2p-edge/peer"
	"tarun-kavipurapu/p2p-edge/pkg/discovery"
	"tarun-kavipurapu/p2p-edge/pkg/logger"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
)

const discoveryTimeout = 5 * time.Second

var (
	peerCfg         = peer.DefaultConfig()
	fileToDownload  string
	peerInteractive bool
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Start a Peer Node",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		if peerCfg.TrackerAddr == "" {
			addr, err := findTracker(ctx)
			if err != nil {
				return err
			}
			peerCfg.TrackerAddr = addr
		}
		logger.Sugar.Infof("Starting Peer Node on %s, tracker %s", peerCfg.ListenAddr, peerCfg.TrackerAddr)

		p, err := peer.NewPeerServer(peerCfg)
		if err != nil {
			return err
		}
		if err := p.Listen(); err != nil {
			return err
		}

		if fileToDownload != "" {
			download(ctx, p, fileToDownload)
		}

		if peerInteractive {
			fmt.Println("P2P Peer Node Interactive Shell")
			fmt.Println("Type 'help' for commands.")

			go func() {
				<-ctx.Done()
				p.Stop()
				os.Exit(0)
			}()

			prompt.New(
				func(in string) { peerExecutor(ctx, in, p) },
				peerCompleter,
				prompt.OptionPrefix("peer> "),
				prompt.OptionTitle("P2P Peer Node"),
			).Run()
			return p.Stop()
		}

		<-ctx.Done()
		logger.Sugar.Info("[PeerServer] shutting down")
		return p.Stop()
	},
}

func findTracker(ctx context.Context) (string, error) {
	logger.Sugar.Infof("No tracker address given, browsing mDNS for %s", discovery.ServiceType)
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	addr, err := discovery.FindTracker(ctx)
	if err != nil {
		return "", fmt.Errorf("no --tracker given and mDNS discovery failed: %w", err)
	}
	logger.Sugar.Infof("Discovered tracker at %s", addr)
	return addr, nil
}

func download(ctx context.Context, p *peer.PeerServer, filename string) {
	result, err := p.Download(ctx, filename)
	var incomplete *peer.IncompleteError
	switch {
	case err == nil:
		fmt.Printf("Downloaded %s (%d bytes) from %s into %s\n", result.Filename, result.Size, result.Holder, result.Path)
	case errors.Is(err, peer.ErrNotFound):
		fmt.Printf("No peer has %s.\n", filename)
	case errors.As(err, &incomplete):
		fmt.Printf("Transfer from %s broke off after %d of %d bytes.\n", incomplete.Holder, incomplete.Received, incomplete.Expected)
	default:
		fmt.Printf("Download failed: %v\n", err)
	}
}

func peerExecutor(ctx context.Context, in string, p *peer.PeerServer) {
	in = strings.TrimSpace(in)
	blocks := strings.Fields(in)
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping peer...")
		p.Stop()
		os.Exit(0)
	case "status":
		fmt.Println(p.GetStatus())
	case "get", "download":
		if len(blocks) < 2 {
			fmt.Println("Usage: get <filename>")
			return
		}
		download(ctx, p, blocks[1])
	case "catalog":
		text, err := p.Catalog(ctx)
		if err != nil {
			fmt.Printf("Error fetching catalog: %v\n", err)
			return
		}
		if text == "" {
			fmt.Println("Catalog is empty.")
			return
		}
		fmt.Print(text)
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status                 - Show peer status")
		fmt.Println("  get <filename>         - Download a file from the network")
		fmt.Println("  catalog                - Show every file the tracker knows")
		fmt.Println("  exit                   - Stop peer and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func peerCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show peer status"},
		{Text: "get", Description: "Download a file"},
		{Text: "catalog", Description: "Show the tracker catalog"},
		{Text: "exit", Description: "Exit the peer"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(peerCmd)
	flags := peerCmd.Flags()
	flags.StringVarP(&peerCfg.TrackerAddr, "tracker", "s", "", "Address of the tracker; found over mDNS when empty")
	flags.StringVar(&peerCfg.ShareDir, "share", peerCfg.ShareDir, "Directory to share and download into")
	flags.StringVarP(&peerCfg.ListenAddr, "addr", "a", peerCfg.ListenAddr, "Address for this peer to listen on")
	flags.StringVar(&peerCfg.AdvertiseHost, "advertise-host", "", "Host other peers should use to reach this one")
	flags.DurationVar(&peerCfg.HeartbeatInterval, "heartbeat", peerCfg.HeartbeatInterval, "Interval between heartbeats")
	flags.DurationVarP(&peerCfg.DialTimeout, "timeout", "t", peerCfg.DialTimeout, "Timeout for each dial, read and write")
	flags.DurationVar(&peerCfg.MetricsInterval, "metrics-interval", 0, "Log transfer metrics at this interval (0 disables)")
	flags.BoolVar(&peerCfg.Progress, "progress", true, "Render download progress")
	flags.StringVarP(&fileToDownload, "download", "d", "", "File name to download immediately")
	flags.BoolVarP(&peerInteractive, "interactive", "i", false, "Start in interactive mode")
}
