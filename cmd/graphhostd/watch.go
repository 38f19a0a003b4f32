package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"graphhost/internal/client"
	"graphhost/internal/host"
	"graphhost/internal/wire"
)

var watchAddr string

var watchCmd = &cobra.Command{
	Use:   "watch NAME...",
	Short: "Subscribe to series and print every data frame",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchAddr, "addr", "127.0.0.1"+host.DefaultAddress, "graph host address")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	c, err := client.Dial(ctx, watchAddr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()
	for _, name := range args {
		if err := c.Subscribe(name); err != nil {
			return err
		}
	}
	out := cmd.OutOrStdout()
	for {
		f, err := c.Next(time.Time{})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if f.Tag != wire.TagData {
			continue
		}
		fmt.Fprintf(out, "%s\t%d\t%g\n", f.Name, f.ElapsedMs, f.Value)
	}
}
