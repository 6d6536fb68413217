// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build windows

package fsutil

import (
	"path/filepath"
	"strings"
)

func sameFilesystem(path1, path2 string) (bool, error) {
	return strings.EqualFold(filepath.VolumeName(path1), filepath.VolumeName(path2)), nil
}
