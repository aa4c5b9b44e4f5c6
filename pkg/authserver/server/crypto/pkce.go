// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package crypto holds the broker's PKCE arithmetic and its generators for
// opaque identifiers and secrets.
package crypto

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/oauth2"
)

// PKCEChallengeMethodS256 is the PKCE challenge method using SHA-256 (RFC 7636).
const PKCEChallengeMethodS256 = "S256"

var (
	// ErrMissingVerifier is returned when a challenge was recorded but no verifier was presented.
	ErrMissingVerifier = errors.New("code_verifier is required")

	// ErrUnsupportedMethod is returned for any challenge method other than S256.
	ErrUnsupportedMethod = errors.New("unsupported code_challenge_method")

	// ErrChallengeMismatch is returned when the verifier does not reproduce the challenge.
	ErrChallengeMismatch = errors.New("code_verifier does not match code_challenge")
)

// GeneratePKCEVerifier generates a cryptographically random code_verifier
// per RFC 7636 Section 4.1 (43 characters of the base64url alphabet).
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge computes the code_challenge from a code_verifier
// using the S256 method per RFC 7636 Section 4.2:
// BASE64URL(SHA256(code_verifier)) with the trailing "=" padding removed.
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyPKCE checks a presented verifier against the challenge and method
// recorded at authorization time. An empty method means S256.
func VerifyPKCE(verifier, challenge, method string) error {
	if method != "" && method != PKCEChallengeMethodS256 {
		return ErrUnsupportedMethod
	}
	if verifier == "" {
		return ErrMissingVerifier
	}
	computed := ComputePKCEChallenge(verifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrChallengeMismatch
	}
	return nil
}
