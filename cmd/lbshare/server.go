package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"

	"lbshare/pkg/config"
	"lbshare/pkg/logger"
	"lbshare/pkg/monitor"
	"lbshare/server"
)

var (
	serverListenAddr  string
	serverDataDir     string
	serverChunkSize   uint32
	serverCompression int
	serverTimeout     time.Duration
	serverInteractive bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Serve a directory of files",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Default()
		cfg.DataDir = serverDataDir
		cfg.ChunkSize = serverChunkSize
		cfg.CompressionLevel = serverCompression
		cfg.ReadTimeout = serverTimeout
		cfg.WriteTimeout = serverTimeout

		srv, err := server.NewServer(serverListenAddr, cfg)
		if err != nil {
			logger.Sugar.Fatal("Error creating server: ", err)
		}
		if err := srv.Start(); err != nil {
			logger.Sugar.Fatal("Error starting server: ", err)
		}
		go monitor.LogPeriodic(time.Minute)

		if serverInteractive {
			fmt.Println("lbshare Server Interactive Shell")
			fmt.Println("Type 'help' for commands.")

			p := prompt.New(
				func(in string) { serverExecutor(in, srv) },
				serverCompleter,
				prompt.OptionPrefix("lbshare> "),
				prompt.OptionTitle("lbshare Server"),
			)
			p.Run()
		} else {
			select {}
		}
	},
}

func serverExecutor(in string, srv *server.Server) {
	in = strings.TrimSpace(in)
	blocks := strings.Fields(in)
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping server...")
		srv.Stop()
		os.Exit(0)
	case "status":
		fmt.Println(srv.GetStatus())
	case "files":
		files, err := srv.ListFiles()
		if err != nil {
			fmt.Printf("Error listing files: %v\n", err)
			return
		}
		if len(files) == 0 {
			fmt.Println("No files shared.")
			return
		}
		for _, f := range files {
			fmt.Printf("%-40s %10d  %s  %s\n", f.Name, f.Size, f.Modified.Format("2006-01-02 15:04"), f.Mime)
		}
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status  - Show server status")
		fmt.Println("  files   - List shared files")
		fmt.Println("  exit    - Stop server and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func serverCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show server status and stats"},
		{Text: "files", Description: "List shared files"},
		{Text: "exit", Description: "Exit the server"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&serverListenAddr, "addr", "a", "0.0.0.0:5000", "Address to listen on")
	serverCmd.Flags().StringVarP(&serverDataDir, "dir", "d", "./shared_files", "Directory to serve")
	serverCmd.Flags().Uint32VarP(&serverChunkSize, "chunk", "c", config.ChunkMedium, "Chunk size in bytes (1024, 4096, 16384 or 65536)")
	serverCmd.Flags().IntVarP(&serverCompression, "compression", "z", config.CompressionMedium, "Compression level (0, 1, 6 or 9)")
	serverCmd.Flags().DurationVarP(&serverTimeout, "timeout", "t", 30*time.Second, "Socket read/write timeout")
	serverCmd.Flags().BoolVarP(&serverInteractive, "interactive", "i", false, "Start in interactive mode")
}
