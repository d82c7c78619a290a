/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package discovery advertises and finds excalmq servers on the local network
using mDNS (Bonjour/Avahi).

Servers register the service type _excalmq._tcp with TXT records:

	version=<server version>
	proto=mtp/1

Browsing requires UDP port 5353 multicast on the same network segment.
*/
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"excalmq/internal/logging"

	"github.com/hashicorp/mdns"
)

// ServiceType is the mDNS service type servers register under.
const ServiceType = "_excalmq._tcp"

const protoRecord = "proto=mtp/1"

// Config describes the service to advertise.
type Config struct {
	// Instance names this server. Defaults to the host name.
	Instance string
	// Addr is the advertised MTP address (host:port).
	Addr    string
	Version string
}

// Instance is a discovered server.
type Instance struct {
	Name    string `json:"name"`
	Host    string `json:"host"`
	Addr    string `json:"addr"`
	Version string `json:"version,omitempty"`
}

// NewService builds the mDNS zone for cfg.
func NewService(cfg Config) (*mdns.MDNSService, error) {
	host, portStr, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("discovery address %q: %w", cfg.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return nil, fmt.Errorf("discovery port %q is invalid", portStr)
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil && !ip.IsUnspecified() {
		ips = []net.IP{ip}
	}

	instance := cfg.Instance
	if instance == "" {
		if instance, err = os.Hostname(); err != nil || instance == "" {
			return nil, errNoHostname
		}
	}

	txt := []string{protoRecord}
	if cfg.Version != "" {
		txt = append(txt, "version="+cfg.Version)
	}
	return mdns.NewMDNSService(instance, ServiceType, "", "", port, ips, txt)
}

// Advertise answers mDNS queries for cfg until ctx is cancelled.
func Advertise(ctx context.Context, cfg Config) error {
	svc, err := NewService(cfg)
	if err != nil {
		return err
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return fmt.Errorf("mdns server: %w", err)
	}

	logger := logging.NewLogger("discovery")
	logger.Info("Advertising service", "type", ServiceType, "instance", svc.Instance, "port", svc.Port)
	<-ctx.Done()
	logger.Info("Stopping advertisement")
	return server.Shutdown()
}

// Browse queries the network for servers for up to timeout. Results are
// sorted by name with duplicates removed.
func Browse(timeout time.Duration) ([]Instance, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	seen := make(map[string]Instance)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			if inst, ok := fromEntry(e); ok {
				seen[inst.Name] = inst
			}
		}
	}()

	params := mdns.DefaultParams(ServiceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true
	err := mdns.Query(params)
	close(entries)
	<-done
	if err != nil {
		return nil, fmt.Errorf("mdns query: %w", err)
	}

	found := make([]Instance, 0, len(seen))
	for _, inst := range seen {
		found = append(found, inst)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
	return found, nil
}

// fromEntry converts a service entry, keeping only excalmq servers.
func fromEntry(e *mdns.ServiceEntry) (Instance, bool) {
	if e == nil || !strings.Contains(e.Name, ServiceType) {
		return Instance{}, false
	}
	inst := Instance{
		Name: strings.TrimSuffix(e.Name, "."+ServiceType+".local."),
		Host: strings.TrimSuffix(e.Host, "."),
	}
	mtp := false
	for _, field := range e.InfoFields {
		switch {
		case field == protoRecord:
			mtp = true
		case strings.HasPrefix(field, "version="):
			inst.Version = strings.TrimPrefix(field, "version=")
		}
	}
	if !mtp {
		return Instance{}, false
	}

	var ip net.IP
	switch {
	case e.AddrV4 != nil:
		ip = e.AddrV4
	case e.AddrV6 != nil:
		ip = e.AddrV6
	}
	if ip != nil {
		inst.Addr = net.JoinHostPort(ip.String(), strconv.Itoa(e.Port))
	} else if inst.Host != "" {
		inst.Addr = net.JoinHostPort(inst.Host, strconv.Itoa(e.Port))
	}
	return inst, true
}

var errNoHostname = errors.New("discovery: no instance name and host name unavailable")
