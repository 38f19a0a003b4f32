package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"graphhost/internal/client"
	"graphhost/internal/host"
)

var (
	listAddr    string
	listTimeout time.Duration
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the series known to a running graph host",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringVar(&listAddr, "addr", "127.0.0.1"+host.DefaultAddress, "graph host address")
	listCmd.Flags().DurationVar(&listTimeout, "timeout", time.Second, "quiet period that ends an empty listing")
}

func runList(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, listAddr)
	if err != nil {
		return err
	}
	defer c.Close()
	names, err := c.List(ctx, listTimeout, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	return nil
}
