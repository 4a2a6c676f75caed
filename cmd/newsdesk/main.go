package main

import (
	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "newsdesk"}

	root.AddCommand(serveCMD(), generateCMD(), migrateCMD())
	_ = root.Execute()
}
