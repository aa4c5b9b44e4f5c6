// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPError_Error(t *testing.T) {
	t.Parallel()

	err := NewHTTPError(502, "https://idp.example/oauth2/token", "bad gateway")
	assert.Equal(t, "HTTP 502 for URL https://idp.example/oauth2/token: bad gateway", err.Error())
}

func TestIsHTTPError(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("exchange failed: %w", NewHTTPError(400, "https://idp.example", "invalid_grant"))

	assert.True(t, IsHTTPError(wrapped, 0))
	assert.True(t, IsHTTPError(wrapped, 400))
	assert.False(t, IsHTTPError(wrapped, 500))
	assert.False(t, IsHTTPError(errors.New("plain"), 0))
}
