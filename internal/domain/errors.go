// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"errors"
	"fmt"
)

// Error classes shared across the pipeline. Classification decides retry
// behavior: transient errors go to the retry ledger, permanent ones do not,
// and auth errors disable the originating site for the rest of the run.

// ConfigError reports invalid or missing configuration.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "config: " + e.Msg }

// AuthError reports rejected credentials against a site or client.
type AuthError struct {
	Site string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth failed for %s: %v", e.Site, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientNetError covers timeouts, 5xx responses and rate-limit pushback.
// Work failing with it is eligible for the retry ledger.
type TransientNetError struct {
	Op  string
	Err error
}

func (e *TransientNetError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientNetError) Unwrap() error { return e.Err }

// PermanentSiteError covers definitive negative answers from a site, such as
// a 404 on torrent download.
type PermanentSiteError struct {
	Op  string
	Err error
}

func (e *PermanentSiteError) Error() string {
	return fmt.Sprintf("permanent: %s: %v", e.Op, e.Err)
}

func (e *PermanentSiteError) Unwrap() error { return e.Err }

// ClientError covers torrent client RPC failures.
type ClientError struct {
	Op  string
	Err error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client: %s: %v", e.Op, e.Err)
}

func (e *ClientError) Unwrap() error { return e.Err }

// FSError covers filesystem failures during reconciliation.
type FSError struct {
	Path string
	Err  error
}

func (e *FSError) Error() string {
	return fmt.Sprintf("fs: %s: %v", e.Path, e.Err)
}

func (e *FSError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be recorded for a later retry
// sweep rather than treated as a final outcome.
func IsTransient(err error) bool {
	var tn *TransientNetError
	return errors.As(err, &tn)
}

// IsAuth reports whether err means the site's credentials are bad.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
