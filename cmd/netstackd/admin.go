package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/clidar0929/netstackd/internal/stack"
)

const adminRequestTimeout = 5 * time.Second

var httpClient = &http.Client{Timeout: adminRequestTimeout}

// routeInfo is route.Route flattened to strings for JSON transport —
// route.Route embeds *iface.Interface, which isn't itself meant to
// marshal.
type routeInfo struct {
	Network string `json:"network"`
	Netmask string `json:"netmask"`
	NextHop string `json:"next_hop"`
	Iface   string `json:"iface"`
}

// registerAdminHandlers wires the diagnostic JSON endpoints that `arp
// show`/`route show`/`tcp show` query, alongside whatever else is served
// on the same mux (promhttp's /metrics).
func registerAdminHandlers(mux *http.ServeMux, s *stack.Stack) {
	mux.HandleFunc("/debug/arp", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.ARP.Snapshot())
	})
	mux.HandleFunc("/debug/routes", func(w http.ResponseWriter, r *http.Request) {
		routes := s.Routes.All()
		out := make([]routeInfo, 0, len(routes))
		for _, rt := range routes {
			name := ""
			if rt.Iface != nil {
				name = rt.Iface.Device.Name()
			}
			out = append(out, routeInfo{
				Network: rt.Network.String(),
				Netmask: rt.Netmask.String(),
				NextHop: rt.NextHop.String(),
				Iface:   name,
			})
		}
		writeJSON(w, out)
	})
	mux.HandleFunc("/debug/tcp", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.TCP.Snapshot())
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func fetchJSON(addr, path string, out any) error {
	url := fmt.Sprintf("http://%s%s", addr, path)
	resp, err := httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("admin: request %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin: %s returned %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
