// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package reconcile materializes an accepted file mapping on disk: the
// candidate's expected tree is staged under a hidden sibling directory,
// then swapped into place once every action succeeded. Original local
// files are only removed for Rename actions, and only after the swap.
package reconcile

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nemorosa/nemorosa/internal/domain"
	"github.com/nemorosa/nemorosa/internal/matcher"
	"github.com/nemorosa/nemorosa/pkg/fsutil"
	"github.com/nemorosa/nemorosa/pkg/reflink"

	"github.com/rs/zerolog"
)

const stageSuffix = ".nemorosa-stage"

type Reconciler struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	log   zerolog.Logger
}

func New(logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		locks: make(map[string]*sync.Mutex),
		log:   logger.With().Str("component", "reconcile").Logger(),
	}
}

// lockFor serializes reconciliations per target root. Two pipelines writing
// into the same save path would otherwise race on the staging directory.
func (r *Reconciler) lockFor(root string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.locks[root]; ok {
		return l
	}
	l := &sync.Mutex{}
	r.locks[root] = l
	return l
}

// Apply executes the mapping. Action paths are relative to localRoot on the
// local side and targetRoot on the target side. Re-running an applied
// mapping is a no-op.
func (r *Reconciler) Apply(ctx context.Context, mapping *matcher.Mapping, localRoot, targetRoot string) (retErr error) {
	lock := r.lockFor(targetRoot)
	lock.Lock()
	defer lock.Unlock()

	if !needsStaging(mapping, localRoot, targetRoot) {
		return nil
	}

	stageDir := filepath.Join(filepath.Dir(targetRoot), "."+filepath.Base(targetRoot)+stageSuffix)
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return &domain.FSError{Path: stageDir, Err: err}
	}

	if usesHardLinks(mapping) {
		if same, err := fsutil.SameFilesystem(localRoot, stageDir); err == nil && !same {
			r.log.Warn().Str("local", localRoot).Str("target", targetRoot).
				Msg("target crosses filesystems, hardlinks will degrade to symlinks")
		}
	}
	defer func() {
		if retErr != nil {
			if rmErr := os.RemoveAll(stageDir); rmErr != nil {
				r.log.Warn().Err(rmErr).Str("stage", stageDir).Msg("failed to clean staging directory")
			}
		}
	}()

	var renameSources []string

	for _, a := range mapping.Actions {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch a.Kind {
		case matcher.ActionSkip, matcher.ActionMissing:
			continue
		case matcher.ActionIdentical:
			if localRoot == targetRoot {
				continue
			}
			if err := r.stage(a, localRoot, targetRoot, stageDir, domain.LinkModeHard); err != nil {
				return err
			}
		case matcher.ActionLink:
			if err := r.stage(a, localRoot, targetRoot, stageDir, a.LinkMode); err != nil {
				return err
			}
		case matcher.ActionRename:
			if err := r.stage(a, localRoot, targetRoot, stageDir, domain.LinkModeHard); err != nil {
				return err
			}
			renameSources = append(renameSources, filepath.Join(localRoot, filepath.FromSlash(a.Local)))
		}
	}

	if err := r.swapIn(stageDir, targetRoot); err != nil {
		return err
	}
	if err := os.RemoveAll(stageDir); err != nil {
		r.log.Warn().Err(err).Str("stage", stageDir).Msg("failed to remove staging directory")
	}

	for _, src := range renameSources {
		if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
			r.log.Warn().Err(err).Str("path", src).Msg("failed to remove renamed source")
		}
	}
	return nil
}

func usesHardLinks(mapping *matcher.Mapping) bool {
	for _, a := range mapping.Actions {
		if a.Kind == matcher.ActionLink && a.LinkMode == domain.LinkModeHard {
			return true
		}
		if a.Kind == matcher.ActionIdentical || a.Kind == matcher.ActionRename {
			return true
		}
	}
	return false
}

func needsStaging(mapping *matcher.Mapping, localRoot, targetRoot string) bool {
	for _, a := range mapping.Actions {
		switch a.Kind {
		case matcher.ActionRename, matcher.ActionLink:
			return true
		case matcher.ActionIdentical:
			if localRoot != targetRoot {
				return true
			}
		}
	}
	return false
}

// stage materializes one action inside the staging directory. Targets
// already present under targetRoot with the right size are left alone.
func (r *Reconciler) stage(a matcher.Action, localRoot, targetRoot, stageDir string, mode domain.LinkMode) error {
	src := filepath.Join(localRoot, filepath.FromSlash(a.Local))
	final := filepath.Join(targetRoot, filepath.FromSlash(a.Target))
	dst := filepath.Join(stageDir, filepath.FromSlash(a.Target))

	if info, err := os.Stat(final); err == nil && info.Size() == a.Size {
		return nil
	}

	srcInfo, err := os.Stat(src)
	if err != nil {
		return &domain.FSError{Path: src, Err: err}
	}
	if srcInfo.Size() != a.Size {
		return &domain.FSError{Path: src, Err: errSizeChanged}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return &domain.FSError{Path: dst, Err: err}
	}
	return linkFile(mode, src, dst)
}

var errSizeChanged = errors.New("local file size changed since matching")

// linkFile creates dst referencing src's bytes, degrading hard -> sym ->
// reflink. A reflink request has no further fallback.
func linkFile(mode domain.LinkMode, src, dst string) error {
	switch mode {
	case domain.LinkModeHard:
		if err := os.Link(src, dst); err == nil {
			return nil
		}
		fallthrough
	case domain.LinkModeSym:
		abs, err := filepath.Abs(src)
		if err == nil {
			if err = os.Symlink(abs, dst); err == nil {
				return nil
			}
		}
		fallthrough
	case domain.LinkModeReflink:
		if err := reflink.Clone(src, dst); err != nil {
			return &domain.FSError{Path: dst, Err: err}
		}
		return nil
	default:
		return &domain.FSError{Path: dst, Err: errors.New("no usable link mode")}
	}
}

// swapIn moves every staged file to its final path. Per-file renames are
// atomic; files already present with matching size are skipped.
func (r *Reconciler) swapIn(stageDir, targetRoot string) error {
	return filepath.WalkDir(stageDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return &domain.FSError{Path: path, Err: err}
		}
		if d.IsDir() {
			return nil
		}

		rel := strings.TrimPrefix(path, stageDir+string(os.PathSeparator))
		final := filepath.Join(targetRoot, rel)

		stagedInfo, err := os.Lstat(path)
		if err != nil {
			return &domain.FSError{Path: path, Err: err}
		}
		if info, statErr := os.Stat(final); statErr == nil &&
			stagedInfo.Mode()&os.ModeSymlink == 0 && info.Size() == stagedInfo.Size() {
			return nil
		}

		if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
			return &domain.FSError{Path: final, Err: err}
		}
		if err := os.Rename(path, final); err != nil {
			return &domain.FSError{Path: final, Err: err}
		}
		return nil
	})
}
