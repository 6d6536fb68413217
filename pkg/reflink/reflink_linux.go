// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build linux

// Package reflink creates copy-on-write file clones where the filesystem
// supports them (btrfs, xfs, bcachefs).
package reflink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Supported probes whether the directory supports reflinks by cloning a
// temporary file. The reason string explains a negative result.
func Supported(dir string) (supported bool, reason string) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Sprintf("cannot access directory: %v", err)
	}

	srcFile, err := os.CreateTemp(dir, ".reflink_probe_src_*")
	if err != nil {
		return false, fmt.Sprintf("cannot create temp file: %v", err)
	}
	srcPath := srcFile.Name()
	defer os.Remove(srcPath)

	if _, err := srcFile.WriteString("reflink probe"); err != nil {
		srcFile.Close()
		return false, fmt.Sprintf("cannot write temp file: %v", err)
	}
	if err := srcFile.Close(); err != nil {
		return false, fmt.Sprintf("cannot close temp file: %v", err)
	}

	dstPath := filepath.Join(dir, ".reflink_probe_dst_"+filepath.Base(srcPath)[len(".reflink_probe_src_"):])
	defer os.Remove(dstPath)

	if err := Clone(srcPath, dstPath); err != nil {
		return false, fmt.Sprintf("reflink not supported: %v", err)
	}
	return true, "reflink supported"
}

// Clone creates a reflink of src at dst using FICLONE, falling back to
// FICLONERANGE where the filesystem rejects whole-file clones.
func Clone(src, dst string) (retErr error) {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer srcFile.Close()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	dstFile, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, srcInfo.Mode())
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer func() {
		_ = dstFile.Close()
		if retErr != nil {
			_ = os.Remove(dst)
		}
	}()

	srcFd := int(srcFile.Fd())
	dstFd := int(dstFile.Fd())

	if err := unix.IoctlFileClone(dstFd, srcFd); err != nil {
		if shouldTryCloneRange(err) {
			cloneRange := unix.FileCloneRange{
				Src_fd: int64(srcFd),
			}
			if rangeErr := unix.IoctlFileCloneRange(dstFd, &cloneRange); rangeErr != nil {
				return fmt.Errorf("ioctl FICLONERANGE: %w", rangeErr)
			}
			return nil
		}
		return fmt.Errorf("ioctl FICLONE: %w", err)
	}
	return nil
}

func shouldTryCloneRange(err error) bool {
	return errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOTTY)
}
