package main

import (
	"fmt"

	"github.com/clidar0929/netstackd/internal/arp"
	"github.com/spf13/cobra"
)

func newArpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "arp",
		Short: "Inspect the ARP cache of a running netstackd",
	}
	cmd.AddCommand(newArpShowCmd())
	return cmd
}

func newArpShowCmd() *cobra.Command {
	var adminAddr string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "List resolved ARP cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []arp.EntryInfo
			if err := fetchJSON(adminAddr, "/debug/arp", &entries); err != nil {
				return err
			}
			fmt.Printf("%-8s %-16s %-17s %s\n", "IFACE", "ADDRESS", "HWADDR", "PENDING")
			for _, e := range entries {
				fmt.Printf("%-8s %-16s %-17s %v\n", e.Iface, e.Proto, e.HW, e.Pending)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "localhost:9090", "address of a running netstackd's admin/metrics listener")
	return cmd
}
