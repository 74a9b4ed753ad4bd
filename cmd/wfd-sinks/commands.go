package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/costinm/wfd-sinks/pkg/l2/wifi"
	"github.com/costinm/wfd-sinks/pkg/mice"
	"github.com/costinm/wfd-sinks/pkg/screencast"
	"github.com/costinm/wfd-sinks/pkg/wfdp2p"
)

var listWait time.Duration

func init() {
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(devicesCmd)

	listCmd.Flags().DurationVar(&listWait, "wait", 10*time.Second, "How long to discover before listing")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print sinks as they are found and lost",
	Example: `  # NetworkManager, first P2P device
  wfd-sinks watch

  # wpa_supplicant on wlan0, with debug logs
  wfd-sinks watch --backend wpa_supplicant -i wlan0 --log-level debug`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer := screencast.ListenerFuncs{
		Added:   func(s screencast.Sink) { fmt.Printf("+ %s\n", describe(s)) },
		Removed: func(s screencast.Sink) { fmt.Printf("- %s\n", describe(s)) },
	}
	sinks, err := openSinks(ctx, cfg, printer)
	if err != nil {
		return err
	}
	defer sinks.Close()

	<-ctx.Done()
	return nil
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Discover for a while, then print the sinks, newest first",
	RunE:  runList,
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), listWait)
	defer cancel()

	sinks, err := openSinks(ctx, cfg)
	if err != nil {
		return err
	}
	defer sinks.Close()

	<-ctx.Done()
	all := sinks.Sinks()
	if len(all) == 0 {
		fmt.Println("No sinks found.")
		return nil
	}
	fmt.Printf("Found %d sink(s):\n\n", len(all))
	for i, s := range all {
		fmt.Printf("%d. %s\n", i+1, describe(s))
	}
	return nil
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List Wi-Fi interfaces and their P2P capability",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := wifi.New()
		if err != nil {
			return err
		}
		defer c.Close()

		ifis, err := c.Interfaces()
		if err != nil {
			return err
		}
		for _, ifi := range ifis {
			name := ifi.Name
			if name == "" {
				name = "(no netdev)"
			}
			state := "down"
			if ifi.Up {
				state = "up"
			}
			fmt.Printf("phy%d %-16s %-12s %-4s %s\n", ifi.PHY, name, ifi.Type, state, ifi.HardwareAddr)
		}
		if p2p := wifi.P2PInterfaces(ifis); len(p2p) > 0 {
			fmt.Printf("\nP2P capable: %s\n", strings.Join(p2p, ", "))
		}
		return nil
	},
}

func describe(s screencast.Sink) string {
	switch v := s.(type) {
	case *wfdp2p.Sink:
		d := fmt.Sprintf("%s [p2p %s]", v.DisplayName(), v.Peer().ID)
		if info := v.Info(); info != nil {
			d += fmt.Sprintf(" %s port=%d", info.Type, info.ControlPort)
		}
		return d
	case *mice.Sink:
		return fmt.Sprintf("%s [mice %s]", v.DisplayName(), v.Addr())
	}
	return s.DisplayName()
}
