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
Package banner provides the startup banner display for excalmq.

OVERVIEW:
=========
Displays an ASCII art banner with version information when
the server or a command-line tool starts. Uses ANSI escape codes for colors.

USAGE:
======

	banner.PrintTo(w, "Server")               // Banner with a title
	banner.PrintServerWithConfigTo(w, cfg)    // Server banner with configuration

The banner text is embedded at compile time from banner.txt.
*/
package banner

import (
	_ "embed"
	"fmt"
	"io"
	"strings"

	"excalmq/internal/config"
)

//go:embed banner.txt
var bannerText string

// ANSI escape codes for terminal text formatting.
const (
	AnsiRed    = "\033[31m"
	AnsiGreen  = "\033[32m"
	AnsiYellow = "\033[33m"
	AnsiCyan   = "\033[36m"
	AnsiReset  = "\033[0m"
	AnsiBold   = "\033[1m"
	AnsiDim    = "\033[2m"
)

// Version information
const (
	Version   = "0.4.0"
	Copyright = "Copyright (c) 2026 Firefly Software Solutions Inc."
	License   = "Licensed under Apache License 2.0"
)

// GetBanner returns the raw ASCII banner text.
func GetBanner() string {
	return bannerText
}

// GetBannerLines returns the banner as individual lines.
func GetBannerLines() []string {
	return strings.Split(strings.TrimRight(bannerText, "\n"), "\n")
}

// PrintTo writes the banner, titled "excalmq <title>", to w.
func PrintTo(w io.Writer, title string) {
	printHead(w, title)
	fmt.Fprintln(w, AnsiDim+"  "+Copyright+AnsiReset)
	fmt.Fprintln(w)
}

func printHead(w io.Writer, title string) {
	name := "excalmq"
	if title != "" {
		name += " " + title
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, AnsiCyan+AnsiBold)
	for _, line := range GetBannerLines() {
		fmt.Fprintln(w, "  "+line)
	}
	fmt.Fprintln(w, AnsiReset)
	fmt.Fprintln(w, AnsiGreen+AnsiBold+"  "+name+AnsiReset+" "+AnsiDim+"v"+Version+AnsiReset)
	fmt.Fprintln(w, AnsiDim+"  MTP Message Broker"+AnsiReset)
	fmt.Fprintln(w)
}

// PrintServerWithConfigTo writes the server banner followed by a summary of
// cfg to w.
func PrintServerWithConfigTo(w io.Writer, cfg *config.Config) {
	printHead(w, "Server")

	fmt.Fprint(w, "  "+AnsiDim+"Config: "+AnsiReset)
	if cfg.ConfigFile != "" {
		fmt.Fprintln(w, AnsiYellow+cfg.ConfigFile+AnsiReset)
	} else {
		fmt.Fprintln(w, AnsiDim+"defaults + environment"+AnsiReset)
	}
	fmt.Fprintln(w)

	const lineWidth = 78

	printSectionHeader(w, "Server", lineWidth)
	printRow3(w,
		fmtKV("Listen", AnsiGreen+cfg.BindAddr+AnsiReset),
		fmtKV("Advertise", cfg.GetAdvertiseAddr()),
		fmtKV("Log", cfg.LogLevel))
	fmt.Fprintln(w)

	l := cfg.Limits
	printSectionHeader(w, "Limits", lineWidth)
	printRow3(w,
		fmtKV("Header", formatBytes(int64(l.MaxHeaderBytes))),
		fmtKV("Body", formatBytes(int64(l.MaxBodyBytes))),
		fmtKV("Backlog", fmt.Sprint(l.MaxBacklog)))
	printRow3(w,
		fmtKV("Send", l.SendTimeout.Std().String()),
		fmtKV("Idle", l.IdleTimeout.Std().String()),
		fmtKV("Rate", formatRate(l.RateLimit, l.RateBurst)))
	fmt.Fprintln(w)

	printSectionHeader(w, "Security", lineWidth)
	tokens := "none"
	if cfg.Auth.TokenFile != "" {
		tokens = cfg.Auth.TokenFile
	}
	printRow3(w,
		fmtEnabled("Auth required", cfg.Auth.Require),
		fmtEnabled("External tokens", cfg.Auth.AcceptExternal),
		fmtKV("Tokens", tokens))
	fmt.Fprintln(w)

	printSectionHeader(w, "Endpoints", lineWidth)
	printRow2(w,
		fmtEndpoint("WebSocket", cfg.WS.Enabled, cfg.WS.Addr+cfg.WS.Path),
		fmtEndpoint("Metrics", cfg.Observability.Metrics.Enabled, cfg.Observability.Metrics.Addr+"/metrics"))
	printRow2(w,
		fmtEndpoint("Health", cfg.Observability.Health.Enabled, cfg.Observability.Health.Addr),
		fmtEnabled("mDNS", cfg.Discovery.Enabled))
	fmt.Fprintln(w)

	fmt.Fprintln(w, AnsiDim+"  "+Copyright+AnsiReset)
	fmt.Fprintln(w)
	printLogSeparator(w)
}

func printLogSeparator(w io.Writer) {
	const lineWidth = 78
	arrow := "v"
	text := " LOGS START HERE "
	padding := (lineWidth - len(text) - 4) / 2
	if padding < 0 {
		padding = 0
	}
	line := strings.Repeat("-", padding)
	fmt.Fprintf(w, "  %s%s %s%s%s %s%s\n",
		AnsiYellow, arrow+arrow+line,
		AnsiBold, text, AnsiReset+AnsiYellow,
		line+arrow+arrow, AnsiReset)
	fmt.Fprintln(w)
}

func printSectionHeader(w io.Writer, title string, width int) {
	titleLen := len(title) + 4 // "[ title ]"
	leftPad := 2
	rightPad := width - leftPad - titleLen
	if rightPad < 0 {
		rightPad = 0
	}
	fmt.Fprintf(w, "  %s[ %s%s%s ]%s%s\n",
		AnsiDim+strings.Repeat("-", leftPad),
		AnsiReset+AnsiCyan+AnsiBold, title, AnsiReset+AnsiDim,
		strings.Repeat("-", rightPad),
		AnsiReset)
}

func fmtKV(key, value string) string {
	return fmt.Sprintf("%s%s:%s %s", AnsiDim, key, AnsiReset, value)
}

func fmtEnabled(name string, enabled bool) string {
	if enabled {
		return AnsiGreen + name + AnsiReset
	}
	return AnsiDim + name + AnsiReset
}

func fmtEndpoint(name string, enabled bool, addr string) string {
	if !enabled {
		return fmtEnabled(name, false)
	}
	return fmtKV(name, AnsiGreen+addr+AnsiReset)
}

func printRow3(w io.Writer, col1, col2, col3 string) {
	fmt.Fprintf(w, "  %-32s %-26s %s\n", col1, col2, col3)
}

func printRow2(w io.Writer, col1, col2 string) {
	fmt.Fprintf(w, "  %-40s %s\n", col1, col2)
}

func formatRate(limit float64, burst int) string {
	if limit <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%g/s burst %d", limit, burst)
}

func formatBytes(bytes int64) string {
	if bytes == 0 {
		return "unlimited"
	}
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
