// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package buildinfo carries version metadata stamped in at link time.
package buildinfo

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
)

// Set via -ldflags at release build time.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// UserAgent identifies nemorosa to site APIs and torrent clients.
func UserAgent() string {
	return "nemorosa/" + Version
}

// String renders a multi-line human-readable version block.
func String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Version: %s\n", Version)
	fmt.Fprintf(&b, "Commit: %s\n", Commit)
	fmt.Fprintf(&b, "Build date: %s\n", Date)
	fmt.Fprintf(&b, "Go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return b.String()
}

// JSON renders the version block for machine consumers.
func JSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"version": Version,
		"commit":  Commit,
		"date":    Date,
		"go":      runtime.Version(),
	})
}
