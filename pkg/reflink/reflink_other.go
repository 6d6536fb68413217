// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build !linux

package reflink

import "errors"

// ErrUnsupported is returned on platforms without reflink support.
var ErrUnsupported = errors.New("reflink is not supported on this platform")

// Supported always reports false on non-Linux platforms.
func Supported(dir string) (bool, string) {
	return false, "reflink is not supported on this platform"
}

// Clone always fails on non-Linux platforms.
func Clone(src, dst string) error {
	return ErrUnsupported
}
