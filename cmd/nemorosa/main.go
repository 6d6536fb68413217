// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nemorosa/nemorosa/internal/domain"
)

// Exit codes: 0 success, 1 runtime failure, 2 configuration error, 3 torrent
// client unreachable.
const (
	exitOK            = 0
	exitRuntime       = 1
	exitConfig        = 2
	exitClientUnreach = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := RootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(exitCode(err))
	}
	os.Exit(exitOK)
}

func exitCode(err error) int {
	var cfgErr *domain.ConfigError
	if errors.As(err, &cfgErr) {
		fmt.Fprintln(os.Stderr, "configuration error:", cfgErr.Msg)
		return exitConfig
	}
	if errors.Is(err, errClientUnreachable) {
		return exitClientUnreach
	}
	return exitRuntime
}
