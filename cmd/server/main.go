package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "webdav-server",
	Short: "WebDAV class 2 server",
	Long: `webdav-server serves a resource tree over WebDAV with locking and
properties. Content lives in memory, on local disk or in a MinIO/S3 bucket.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
