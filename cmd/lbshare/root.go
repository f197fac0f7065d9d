package main

import (
	"os"

	"github.com/spf13/cobra"

	"lbshare/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "lbshare",
	Short: "File sharing for low-bandwidth networks",
	Long:  `A chunked, compressed, checksummed file transfer tool built for constrained links.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		os.Exit(1)
	}
}
