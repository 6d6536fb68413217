// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package torrents

import (
	"crypto/sha1" //nolint:gosec // BitTorrent v1 pieces are defined over SHA1.
	"fmt"

	"github.com/zeebo/bencode"
)

// BuildFile is one file in a torrent under construction.
type BuildFile struct {
	// Path is the slash-separated path below the torrent name. Leave empty
	// together with a single entry to build a single-file torrent.
	Path string
	Data []byte
}

// Build assembles a complete metainfo from in-memory content, computing the
// piece hashes. Used by tests and by the dry-run verifier.
func Build(name string, pieceLength int64, files []BuildFile, source string) (*Torrent, error) {
	if name == "" {
		return nil, fmt.Errorf("torrent name is required")
	}
	if pieceLength <= 0 {
		return nil, fmt.Errorf("invalid piece length %d", pieceLength)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("at least one file is required")
	}

	var content []byte
	for _, f := range files {
		content = append(content, f.Data...)
	}

	var pieces []byte
	for off := int64(0); off < int64(len(content)); off += pieceLength {
		end := off + pieceLength
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		sum := sha1.Sum(content[off:end]) //nolint:gosec
		pieces = append(pieces, sum[:]...)
	}

	info := map[string]any{
		"name":         name,
		"piece length": pieceLength,
		"pieces":       pieces,
	}
	if source != "" {
		info["source"] = source
	}

	single := len(files) == 1 && files[0].Path == ""
	if single {
		info["length"] = int64(len(files[0].Data))
	} else {
		list := make([]any, 0, len(files))
		for _, f := range files {
			if f.Path == "" {
				return nil, fmt.Errorf("multi-file torrent has file with empty path")
			}
			var parts []any
			for _, seg := range splitSlash(f.Path) {
				parts = append(parts, seg)
			}
			list = append(list, map[string]any{
				"length": int64(len(f.Data)),
				"path":   parts,
			})
		}
		info["files"] = list
	}

	meta := map[string]any{
		"announce": "https://tracker.invalid/announce",
		"info":     info,
	}
	data, err := bencode.EncodeBytes(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metainfo: %w", err)
	}
	return Parse(data)
}

func splitSlash(p string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i > start {
				out = append(out, p[start:i])
			}
			start = i + 1
		}
	}
	return out
}
