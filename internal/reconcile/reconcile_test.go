// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nemorosa/nemorosa/internal/domain"
	"github.com/nemorosa/nemorosa/internal/matcher"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
}

func TestApplyIdenticalSameRootIsNoop(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "01 - Intro.flac"), []byte("audio"))

	mapping := &matcher.Mapping{Actions: []matcher.Action{
		{Kind: matcher.ActionIdentical, Local: "01 - Intro.flac", Target: "01 - Intro.flac", Size: 5},
	}}

	r := New(zerolog.Nop())
	require.NoError(t, r.Apply(context.Background(), mapping, root, root))

	entries, err := os.ReadDir(filepath.Dir(root))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), stageSuffix)
	}
}

func TestApplyHardLink(t *testing.T) {
	base := t.TempDir()
	localRoot := filepath.Join(base, "Album")
	targetRoot := filepath.Join(base, "Album (target)")
	content := []byte("flac bytes")
	writeFile(t, filepath.Join(localRoot, "01 - Intro (Remastered).flac"), content)

	mapping := &matcher.Mapping{Actions: []matcher.Action{
		{
			Kind:     matcher.ActionLink,
			Local:    "01 - Intro (Remastered).flac",
			Target:   "01 - Intro.flac",
			Size:     int64(len(content)),
			LinkMode: domain.LinkModeHard,
		},
	}}

	r := New(zerolog.Nop())
	require.NoError(t, r.Apply(context.Background(), mapping, localRoot, targetRoot))

	srcInfo, err := os.Stat(filepath.Join(localRoot, "01 - Intro (Remastered).flac"))
	require.NoError(t, err)
	dstInfo, err := os.Stat(filepath.Join(targetRoot, "01 - Intro.flac"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(srcInfo, dstInfo), "expected a hardlink")

	// No staging directory left behind.
	_, err = os.Stat(filepath.Join(base, "."+filepath.Base(targetRoot)+stageSuffix))
	assert.True(t, os.IsNotExist(err))
}

func TestApplyIsIdempotent(t *testing.T) {
	base := t.TempDir()
	localRoot := filepath.Join(base, "Album")
	targetRoot := filepath.Join(base, "Album (target)")
	content := []byte("flac bytes")
	writeFile(t, filepath.Join(localRoot, "a.flac"), content)

	mapping := &matcher.Mapping{Actions: []matcher.Action{
		{Kind: matcher.ActionLink, Local: "a.flac", Target: "b.flac", Size: int64(len(content)), LinkMode: domain.LinkModeHard},
	}}

	r := New(zerolog.Nop())
	require.NoError(t, r.Apply(context.Background(), mapping, localRoot, targetRoot))
	require.NoError(t, r.Apply(context.Background(), mapping, localRoot, targetRoot))

	got, err := os.ReadFile(filepath.Join(targetRoot, "b.flac"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestApplyRenameRemovesSource(t *testing.T) {
	base := t.TempDir()
	localRoot := filepath.Join(base, "Album")
	targetRoot := filepath.Join(base, "Album")
	content := []byte("flac bytes")
	writeFile(t, filepath.Join(localRoot, "old name.flac"), content)

	mapping := &matcher.Mapping{Actions: []matcher.Action{
		{Kind: matcher.ActionRename, Local: "old name.flac", Target: "new name.flac", Size: int64(len(content))},
	}}

	r := New(zerolog.Nop())
	require.NoError(t, r.Apply(context.Background(), mapping, localRoot, targetRoot))

	got, err := os.ReadFile(filepath.Join(targetRoot, "new name.flac"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	_, err = os.Stat(filepath.Join(localRoot, "old name.flac"))
	assert.True(t, os.IsNotExist(err))
}

func TestApplyRollbackOnFailure(t *testing.T) {
	base := t.TempDir()
	localRoot := filepath.Join(base, "Album")
	targetRoot := filepath.Join(base, "Album (target)")
	content := []byte("flac bytes")
	writeFile(t, filepath.Join(localRoot, "a.flac"), content)

	// Second action references a local file that does not exist.
	mapping := &matcher.Mapping{Actions: []matcher.Action{
		{Kind: matcher.ActionLink, Local: "a.flac", Target: "a.flac", Size: int64(len(content)), LinkMode: domain.LinkModeHard},
		{Kind: matcher.ActionLink, Local: "gone.flac", Target: "b.flac", Size: 10, LinkMode: domain.LinkModeHard},
	}}

	r := New(zerolog.Nop())
	err := r.Apply(context.Background(), mapping, localRoot, targetRoot)
	require.Error(t, err)

	var fsErr *domain.FSError
	assert.ErrorAs(t, err, &fsErr)

	// Nothing swapped in, staging removed.
	_, err = os.Stat(targetRoot)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(base, "."+filepath.Base(targetRoot)+stageSuffix))
	assert.True(t, os.IsNotExist(err))
}

func TestApplySymlinkMode(t *testing.T) {
	base := t.TempDir()
	localRoot := filepath.Join(base, "Album")
	targetRoot := filepath.Join(base, "Album (target)")
	content := []byte("flac bytes")
	writeFile(t, filepath.Join(localRoot, "a.flac"), content)

	mapping := &matcher.Mapping{Actions: []matcher.Action{
		{Kind: matcher.ActionLink, Local: "a.flac", Target: "linked.flac", Size: int64(len(content)), LinkMode: domain.LinkModeSym},
	}}

	r := New(zerolog.Nop())
	require.NoError(t, r.Apply(context.Background(), mapping, localRoot, targetRoot))

	link := filepath.Join(targetRoot, "linked.flac")
	info, err := os.Lstat(link)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSymlink)

	got, err := os.ReadFile(link)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
