//go:build linux

package main

import (
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/clidar0929/netstackd/internal/addr"
	"github.com/clidar0929/netstackd/internal/link"
	"github.com/clidar0929/netstackd/internal/stack"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const (
	metricsExportInterval   = 10 * time.Second
	retransmitSweepInterval = 100 * time.Millisecond
)

func newServeCmd(verbose *bool) *cobra.Command {
	var (
		ifaceName         string
		mtu               int
		localAddr         string
		netmask           string
		gateway           string
		metricsAddr       string
		enableKeyExchange bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the network stack bound to a real Linux interface",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(*verbose)

			ip, err := addr.ParseIPv4(localAddr)
			if err != nil {
				return fmt.Errorf("parse --addr: %w", err)
			}
			mask, err := addr.ParseIPv4(netmask)
			if err != nil {
				return fmt.Errorf("parse --netmask: %w", err)
			}
			gw := addr.Any
			if gateway != "" {
				gw, err = addr.ParseIPv4(gateway)
				if err != nil {
					return fmt.Errorf("parse --gateway: %w", err)
				}
			}

			s, err := stack.New(stack.Config{
				Logger:            logger,
				Clock:             clockwork.NewRealClock(),
				EnableKeyExchange: enableKeyExchange,
			})
			if err != nil {
				return fmt.Errorf("build stack: %w", err)
			}

			dev, err := link.NewRawSocketDevice(ifaceName, mtu)
			if err != nil {
				return fmt.Errorf("open %s: %w", ifaceName, err)
			}

			ifc, err := s.AddInterface(dev, ip, mask, gw)
			if err != nil {
				return fmt.Errorf("configure %s: %w", ifaceName, err)
			}
			logger.Info("interface up", "iface", ifaceName, "addr", ifc.Addr, "netmask", ifc.Netmask)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				registerAdminHandlers(mux, s)
				listener, err := net.Listen("tcp", metricsAddr)
				if err != nil {
					return fmt.Errorf("listen on %s: %w", metricsAddr, err)
				}
				go func() {
					logger.Info("admin/metrics server started", "addr", listener.Addr().String())
					if err := http.Serve(listener, mux); err != nil {
						logger.Error("admin/metrics server stopped", "err", err)
					}
				}()
			}

			go s.TCP.RunRetransmitSweep(ctx, retransmitSweepInterval)

			ticker := time.NewTicker(metricsExportInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					logger.Info("shutting down")
					return nil
				case <-ticker.C:
					s.ExportMetrics()
				}
			}
		},
	}

	cmd.Flags().StringVar(&ifaceName, "iface", "", "Linux network interface to bind (required)")
	cmd.Flags().IntVar(&mtu, "mtu", 1500, "interface MTU")
	cmd.Flags().StringVar(&localAddr, "addr", "", "local IPv4 address (required)")
	cmd.Flags().StringVar(&netmask, "netmask", "255.255.255.0", "local IPv4 netmask")
	cmd.Flags().StringVar(&gateway, "gateway", "", "default gateway, if any")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve /metrics and diagnostic endpoints on (disabled if empty)")
	cmd.Flags().BoolVar(&enableKeyExchange, "enable-key-exchange", false, "opt every TCP connection into the DH+XOR handshake extension")
	_ = cmd.MarkFlagRequired("iface")
	_ = cmd.MarkFlagRequired("addr")

	return cmd
}
