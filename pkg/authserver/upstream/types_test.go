// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCognitoEndpoints(t *testing.T) {
	t.Parallel()

	e := CognitoEndpoints("my-domain", "eu-central-1", "eu-central-1_AbC123")

	assert.Equal(t, "https://my-domain.auth.eu-central-1.amazoncognito.com/oauth2/authorize", e.AuthorizationEndpoint)
	assert.Equal(t, "https://my-domain.auth.eu-central-1.amazoncognito.com/oauth2/token", e.TokenEndpoint)
	assert.Equal(t, "https://cognito-idp.eu-central-1.amazonaws.com/eu-central-1_AbC123/.well-known/jwks.json", e.JWKSURL)
	assert.Equal(t, "https://cognito-idp.eu-central-1.amazonaws.com/eu-central-1_AbC123", e.Issuer)
	require.NoError(t, e.Validate())
}

func TestEndpointsValidate(t *testing.T) {
	t.Parallel()

	valid := CognitoEndpoints("d", "us-west-2", "pool")

	tests := []struct {
		name    string
		mutate  func(*Endpoints)
		wantErr string
	}{
		{name: "valid", mutate: func(*Endpoints) {}},
		{name: "missing authorization endpoint", mutate: func(e *Endpoints) { e.AuthorizationEndpoint = "" }, wantErr: "authorization endpoint"},
		{name: "missing token endpoint", mutate: func(e *Endpoints) { e.TokenEndpoint = "" }, wantErr: "token endpoint"},
		{name: "missing JWKS URL", mutate: func(e *Endpoints) { e.JWKSURL = "" }, wantErr: "JWKS URL"},
		{name: "missing issuer", mutate: func(e *Endpoints) { e.Issuer = "" }, wantErr: "issuer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := valid
			tt.mutate(&e)
			err := e.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
