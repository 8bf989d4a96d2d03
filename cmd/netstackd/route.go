package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRouteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Inspect the route table of a running netstackd",
	}
	cmd.AddCommand(newRouteShowCmd())
	return cmd
}

func newRouteShowCmd() *cobra.Command {
	var adminAddr string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "List configured routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			var routes []routeInfo
			if err := fetchJSON(adminAddr, "/debug/routes", &routes); err != nil {
				return err
			}
			fmt.Printf("%-16s %-16s %-16s %s\n", "NETWORK", "NETMASK", "NEXTHOP", "IFACE")
			for _, r := range routes {
				fmt.Printf("%-16s %-16s %-16s %s\n", r.Network, r.Netmask, r.NextHop, r.Iface)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "localhost:9090", "address of a running netstackd's admin/metrics listener")
	return cmd
}
