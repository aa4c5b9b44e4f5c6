// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"fmt"
	"net/url"
)

// loopbackHosts are the hosts for which plain HTTP redirect URIs are accepted (RFC 8252 Section 7.3).
var loopbackHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
}

// IsLoopbackHost reports whether host (without port) refers to the local machine.
func IsLoopbackHost(host string) bool {
	return loopbackHosts[host]
}

// ValidateRedirectURI checks that uri is an absolute URI without a fragment that
// either uses HTTPS or uses HTTP against a loopback host.
func ValidateRedirectURI(uri string) error {
	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("malformed redirect_uri: %w", err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("redirect_uri must be absolute: %s", uri)
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain a fragment: %s", uri)
	}

	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		if IsLoopbackHost(parsed.Hostname()) {
			return nil
		}
		return fmt.Errorf("redirect_uri must use https unless it targets a loopback host: %s", uri)
	default:
		return fmt.Errorf("redirect_uri scheme %q is not allowed", parsed.Scheme)
	}
}
