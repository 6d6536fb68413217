// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package clients

import "errors"

var errTorrentNotFound = errors.New("torrent not found in client")

// IsNotFound reports whether err means the torrent is not registered in the
// client.
func IsNotFound(err error) bool {
	return errors.Is(err, errTorrentNotFound)
}
