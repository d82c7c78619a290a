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
excalmq Discover - finds excalmq servers on the local network using mDNS.

Usage:

	excalmq-discover                    # Discover servers (5 second timeout)
	excalmq-discover --timeout 10       # Custom timeout in seconds
	excalmq-discover --json             # Output as JSON
	excalmq-discover --quiet            # Only output addresses (for scripting)
*/
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"excalmq/internal/banner"
	"excalmq/internal/discovery"
	"excalmq/pkg/cli"
)

func main() {
	timeout := flag.Int("timeout", 5, "Discovery timeout in seconds")
	jsonOutput := flag.Bool("json", false, "Output as JSON")
	quiet := flag.Bool("quiet", false, "Only output server addresses (for scripting)")
	version := flag.Bool("version", false, "Show version information")
	flag.BoolVar(quiet, "q", false, "Only output server addresses (for scripting)")
	flag.BoolVar(version, "v", false, "Show version information")
	flag.Parse()

	if *version {
		banner.PrintTo(os.Stdout, "Discover")
		return
	}

	// The mDNS library logs IPv6 errors that are not critical.
	log.SetOutput(io.Discard)

	out := cli.NewPrinter()
	if !*quiet && !*jsonOutput {
		banner.PrintTo(os.Stdout, "Discover")
		out.Info("Scanning for excalmq servers on the network (timeout: %ds)...", *timeout)
		fmt.Println()
	}

	found, err := discovery.Browse(time.Duration(*timeout) * time.Second)
	if err != nil {
		if !*quiet {
			out.Error("Discovery failed: %v", err)
		}
		os.Exit(1)
	}

	switch {
	case *jsonOutput:
		data, _ := json.MarshalIndent(found, "", "  ")
		fmt.Println(string(data))
	case *quiet:
		addrs := make([]string, len(found))
		for i, inst := range found {
			addrs[i] = inst.Addr
		}
		fmt.Println(strings.Join(addrs, ","))
	case len(found) == 0:
		out.Warning("No excalmq servers found on the network.")
		fmt.Println()
		out.Header("TROUBLESHOOTING")
		fmt.Println("    " + cli.IconDot + " Servers are not running with discovery enabled (EXCALMQ_DISCOVERY_ENABLED=true)")
		fmt.Println("    " + cli.IconDot + " mDNS/Bonjour is blocked by a firewall (UDP port 5353)")
		fmt.Println("    " + cli.IconDot + " Servers are on a different network segment")
		fmt.Println()
	default:
		out.Success("Found %d excalmq server(s)", len(found))
		fmt.Println()
		for i, inst := range found {
			out.Header(fmt.Sprintf("[%d] %s", i+1, inst.Name))
			out.KeyValue("address", inst.Addr)
			if inst.Host != "" {
				out.KeyValue("host", inst.Host)
			}
			if inst.Version != "" {
				out.KeyValue("version", inst.Version)
			}
			fmt.Println()
		}
	}
}
