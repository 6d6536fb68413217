// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package clients

import (
	"context"
	"testing"

	"github.com/nemorosa/nemorosa/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnimplementedKinds(t *testing.T) {
	for _, raw := range []string{
		"transmission+http://u:p@host:9091/transmission/rpc",
		"deluge://u:p@host:58846",
	} {
		cu, err := domain.ParseClientURL(raw)
		require.NoError(t, err)

		_, err = New(context.Background(), cu)
		var cfgErr *domain.ConfigError
		require.ErrorAs(t, err, &cfgErr, "client URL %s", raw)
		assert.Contains(t, cfgErr.Error(), "not supported")
	}
}
