package main

import (
	"fmt"

	"github.com/clidar0929/netstackd/internal/tcp"
	"github.com/spf13/cobra"
)

func newTCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tcp",
		Short: "Inspect the TCB table of a running netstackd",
	}
	cmd.AddCommand(newTCPShowCmd())
	return cmd
}

func newTCPShowCmd() *cobra.Command {
	var adminAddr string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "List open TCP connections and their state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var conns []tcp.ConnInfo
			if err := fetchJSON(adminAddr, "/debug/tcp", &conns); err != nil {
				return err
			}
			fmt.Printf("%-8s %-6s %-16s %-6s %s\n", "IFACE", "LPORT", "PEER", "PPORT", "STATE")
			for _, c := range conns {
				fmt.Printf("%-8s %-6d %-16s %-6d %s\n", c.Iface, c.LocalPort, c.PeerAddr, c.PeerPort, c.State)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "localhost:9090", "address of a running netstackd's admin/metrics listener")
	return cmd
}
