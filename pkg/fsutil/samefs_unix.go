// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build !windows

package fsutil

import (
	"fmt"
	"os"
	"syscall"
)

func sameFilesystem(path1, path2 string) (bool, error) {
	dev1, err := deviceID(path1)
	if err != nil {
		return false, err
	}
	dev2, err := deviceID(path2)
	if err != nil {
		return false, err
	}
	return dev1 == dev2, nil
}

func deviceID(path string) (uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	sys, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("cannot read stat device for %s", path)
	}
	return uint64(sys.Dev), nil //nolint:gosec // Dev is non-negative
}
