package main

import (
	"fmt"
	"os"
	"strings"

	centralserver "tarun-kavipurapu/p2p-edge/central-server"
	"tarun-kavipurapu/p2p-edge/pkg/logger"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
)

var (
	trackerCfg  = centralserver.DefaultConfig()
	interactive bool
)

var trackerCmd = &cobra.Command{
	Use:     "tracker",
	Aliases: []string{"server"},
	Short:   "Start the tracker",
	RunE: func(cmd *cobra.Command, args []string) error {
		server, err := centralserver.NewCentralServer(trackerCfg)
		if err != nil {
			return err
		}
		if err := server.Listen(); err != nil {
			return fmt.Errorf("failed to start tracker: %w", err)
		}

		ctx, stop := signalContext()
		defer stop()

		if interactive {
			fmt.Println("P2P Tracker Interactive Shell")
			fmt.Println("Type 'help' for commands.")

			go func() {
				<-ctx.Done()
				server.Stop()
				os.Exit(0)
			}()

			p := prompt.New(
				func(in string) { serverExecutor(in, server) },
				serverCompleter,
				prompt.OptionPrefix("tracker> "),
				prompt.OptionTitle("P2P Tracker"),
			)
			p.Run()
			return server.Stop()
		}

		<-ctx.Done()
		logger.Sugar.Info("[CentralServer] shutting down")
		return server.Stop()
	},
}

func serverExecutor(in string, server *centralserver.CentralServer) {
	in = strings.TrimSpace(in)
	blocks := strings.Fields(in)
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping tracker...")
		if err := server.Stop(); err != nil {
			fmt.Printf("Error while stopping: %v\n", err)
		}
		os.Exit(0)
	case "status":
		fmt.Println(server.GetStatus())
	case "peers":
		peers := server.GetPeersList()
		if len(peers) == 0 {
			fmt.Println("No live peers.")
			return
		}
		fmt.Println("Live Peers:")
		for _, p := range peers {
			fmt.Println("- " + p)
		}
	case "show_hashes":
		if len(blocks) < 2 {
			fmt.Println("Usage: show_hashes <host:port>")
			return
		}
		lines, ok := server.PeerChecksums(blocks[1])
		if !ok {
			fmt.Printf("Unknown peer: %s\n", blocks[1])
			return
		}
		if len(lines) == 0 {
			fmt.Println("Peer reported no files.")
		}
		for _, line := range lines {
			fmt.Println(line)
		}
	case "catalog":
		text, err := server.CatalogText()
		if err != nil {
			fmt.Printf("Error reading catalog: %v\n", err)
			return
		}
		if text == "" {
			fmt.Println("Catalog is empty.")
			return
		}
		fmt.Print(text)
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status                  - Show tracker status")
		fmt.Println("  peers                   - List live peers")
		fmt.Println("  show_hashes <host:port> - Show the checksums a peer reported")
		fmt.Println("  catalog                 - Print the catalog")
		fmt.Println("  exit                    - Stop tracker and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func serverCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show tracker status and stats"},
		{Text: "peers", Description: "List all live peer ids"},
		{Text: "show_hashes", Description: "Show a peer's reported checksums"},
		{Text: "catalog", Description: "Print the catalog snapshot"},
		{Text: "exit", Description: "Exit the tracker"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(trackerCmd)
	flags := trackerCmd.Flags()
	flags.StringVarP(&trackerCfg.ListenAddr, "addr", "a", trackerCfg.ListenAddr, "Tracker addr to listen on")
	flags.DurationVarP(&trackerCfg.Timeout, "timeout", "t", trackerCfg.Timeout, "Evict peers silent for longer than this")
	flags.DurationVar(&trackerCfg.EvictInterval, "evict-interval", 0, "How often to sweep for silent peers (default timeout/3)")
	flags.StringVarP(&trackerCfg.CatalogPath, "catalog", "c", trackerCfg.CatalogPath, "Path of the catalog snapshot file")
	flags.BoolVar(&trackerCfg.Advertise, "mdns", false, "Advertise the tracker over mDNS")
	flags.BoolVarP(&interactive, "interactive", "i", false, "Start in interactive mode")
}
