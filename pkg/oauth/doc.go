// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oauth provides shared RFC-defined types, constants, and validation utilities
// for the broker's OAuth 2.0 surface: the error taxonomy returned by every endpoint,
// the RFC 8414 authorization server metadata document, and redirect URI validation
// per RFC 6749 and RFC 8252.
package oauth
