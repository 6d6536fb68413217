// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package gazelle

import (
	"html"
	"path"
	"strconv"
	"strings"

	"github.com/zeebo/bencode"
)

// RemoteFile is one file of a candidate torrent as reported by the site.
type RemoteFile struct {
	Path string
	Size int64
}

// ParseFileList decodes Gazelle's encoded file list, which separates
// entries with "|||" and wraps sizes in "{{{...}}}" after each name.
// Names arrive HTML-escaped.
func ParseFileList(fileList string) []RemoteFile {
	var files []RemoteFile
	for _, line := range strings.Split(fileList, "|||") {
		parts := strings.Split(line, "{{{")
		if len(parts) != 2 {
			continue
		}
		size, err := strconv.ParseInt(strings.TrimSuffix(parts[1], "}}}"), 10, 64)
		if err != nil {
			continue
		}
		files = append(files, RemoteFile{
			Path: path.Clean(html.UnescapeString(parts[0])),
			Size: size,
		})
	}
	return files
}

// looksLikeTorrentPayload rejects HTML error pages and JSON errors that a
// site may return with status 200 on the download endpoint.
func looksLikeTorrentPayload(body []byte) bool {
	if len(body) == 0 || body[0] != 'd' {
		return false
	}

	var decoded map[string]bencode.RawMessage
	if err := bencode.DecodeBytes(body, &decoded); err != nil {
		return false
	}

	info, ok := decoded["info"]
	if !ok {
		return false
	}

	var infoDict map[string]bencode.RawMessage
	return bencode.DecodeBytes(info, &infoDict) == nil
}
