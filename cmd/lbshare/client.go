package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"

	"lbshare/client"
	"lbshare/pkg/config"
	"lbshare/pkg/discovery"
	"lbshare/pkg/logger"
)

var (
	clientServerAddr  string
	clientChunkSize   uint32
	clientCompression int
	clientTimeout     time.Duration
	clientRetries     int
	fileToGet         string
	fileToPut         string
	clientInteractive bool
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Connect to an lbshare server",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Default()
		cfg.ChunkSize = clientChunkSize
		cfg.CompressionLevel = clientCompression
		cfg.ReadTimeout = clientTimeout
		cfg.WriteTimeout = clientTimeout

		retrier := &client.Retrier{
			Addr:     clientServerAddr,
			Cfg:      cfg,
			Attempts: clientRetries,
			Backoff:  2 * time.Second,
		}

		if fileToGet != "" {
			if err := retrier.Do(func(c *client.Client) error {
				c.ShowProgress = true
				return c.Download(fileToGet, fileToGet)
			}); err != nil {
				logger.Sugar.Fatalf("Download failed: %v", err)
			}
			fmt.Printf("Downloaded %s\n", fileToGet)
			return
		}
		if fileToPut != "" {
			if err := retrier.Do(func(c *client.Client) error {
				c.ShowProgress = true
				return c.Upload(fileToPut, "")
			}); err != nil {
				logger.Sugar.Fatalf("Upload failed: %v", err)
			}
			fmt.Printf("Uploaded %s\n", fileToPut)
			return
		}

		if !clientInteractive {
			cmd.Help()
			return
		}

		c, err := client.NewClient(clientServerAddr, cfg)
		if err != nil {
			logger.Sugar.Fatal(err)
		}
		c.ShowProgress = true
		if err := c.Connect(); err != nil {
			logger.Sugar.Fatalf("Connection failed: %v", err)
		}

		fmt.Println("lbshare Client Interactive Shell")
		fmt.Println("Type 'help' for commands.")

		prompt.New(
			func(in string) { clientExecutor(in, c) },
			clientCompleter,
			prompt.OptionPrefix(fmt.Sprintf("%s> ", clientServerAddr)),
			prompt.OptionTitle("lbshare Client"),
		).Run()
	},
}

func clientExecutor(in string, c *client.Client) {
	in = strings.TrimSpace(in)
	blocks := strings.Fields(in)
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Disconnecting...")
		c.Close()
		os.Exit(0)
	case "status":
		fmt.Printf("state=%s\n", c.State())
	case "ls":
		files, err := c.List()
		if err != nil {
			fmt.Printf("Error listing files: %v\n", err)
			return
		}
		if len(files) == 0 {
			fmt.Println("Server shares no files.")
			return
		}
		for _, f := range files {
			fmt.Printf("%-40s %10d  %s  %s\n", f.Name, f.Size, f.Modified.Format("2006-01-02 15:04"), f.Mime)
		}
	case "get":
		if len(blocks) < 2 {
			fmt.Println("Usage: get <remote_name> [local_path]")
			return
		}
		local := blocks[1]
		if len(blocks) > 2 {
			local = blocks[2]
		}
		if err := c.Download(blocks[1], local); err != nil {
			fmt.Printf("Download failed: %v\n", err)
		} else {
			fmt.Printf("Downloaded %s\n", local)
		}
	case "put":
		if len(blocks) < 2 {
			fmt.Println("Usage: put <local_path> [remote_name]")
			return
		}
		remote := ""
		if len(blocks) > 2 {
			remote = blocks[2]
		}
		if err := c.Upload(blocks[1], remote); err != nil {
			fmt.Printf("Upload failed: %v\n", err)
		} else {
			fmt.Println("Upload complete.")
		}
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  ls                         - List files on the server")
		fmt.Println("  get <name> [local_path]    - Download a file")
		fmt.Println("  put <path> [remote_name]   - Upload a file")
		fmt.Println("  status                     - Show connection state")
		fmt.Println("  exit                       - Disconnect and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func clientCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "ls", Description: "List files on the server"},
		{Text: "get", Description: "Download a file"},
		{Text: "put", Description: "Upload a file"},
		{Text: "status", Description: "Show connection state"},
		{Text: "exit", Description: "Exit the client"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find lbshare servers on the local network",
	Run: func(cmd *cobra.Command, args []string) {
		resolver, err := discovery.NewResolver()
		if err != nil {
			logger.Sugar.Fatal(err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		ch, err := resolver.Browse(ctx)
		if err != nil {
			logger.Sugar.Fatal(err)
		}

		found := 0
		for info := range ch {
			found++
			fmt.Printf("%s  %s  version=%s\n", info.Instance, info.Addr, info.Version)
		}
		if found == 0 {
			fmt.Println("No servers found.")
		}
	},
}

func init() {
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(discoverCmd)
	clientCmd.Flags().StringVarP(&clientServerAddr, "server", "s", "127.0.0.1:5000", "Server address")
	clientCmd.Flags().Uint32VarP(&clientChunkSize, "chunk", "c", config.ChunkMedium, "Chunk size in bytes (1024, 4096, 16384 or 65536)")
	clientCmd.Flags().IntVarP(&clientCompression, "compression", "z", config.CompressionMedium, "Compression level (0, 1, 6 or 9)")
	clientCmd.Flags().DurationVarP(&clientTimeout, "timeout", "t", 30*time.Second, "Socket read/write timeout")
	clientCmd.Flags().IntVarP(&clientRetries, "retries", "r", 3, "Reconnect-and-restart attempts for get/put")
	clientCmd.Flags().StringVarP(&fileToGet, "get", "g", "", "Download a file and exit")
	clientCmd.Flags().StringVarP(&fileToPut, "put", "p", "", "Upload a file and exit")
	clientCmd.Flags().BoolVarP(&clientInteractive, "interactive", "i", false, "Start an interactive shell")
}
