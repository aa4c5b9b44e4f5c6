// Copyright 2025 Stacklok, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package upstream talks to the identity provider the broker delegates
// authentication to.
//
// # Architecture
//
// The Client interface captures the four operations the broker needs:
//
//   - AuthorizationURL: build the redirect that starts upstream login
//   - ExchangeCode: trade the upstream authorization code for tokens
//   - Refresh: trade an upstream refresh token for a new access token
//   - FetchJWKS / RefreshJWKS: the provider's signing keys, served from a cache
//
// OAuth2Client implements it on golang.org/x/oauth2 for any provider exposing
// standard authorize and token endpoints. CognitoEndpoints derives those
// endpoints, the JWKS URL and the issuer from an Amazon Cognito user pool.
//
// # Usage
//
//	endpoints := upstream.CognitoEndpoints("my-domain", "us-west-2", "us-west-2_abc123")
//	client, err := upstream.NewOAuth2Client(ctx, upstream.Config{
//	    Endpoints:    endpoints,
//	    ClientID:     "upstream-client-id",
//	    ClientSecret: "upstream-client-secret",
//	    RedirectURI:  "https://broker.example.com/callback",
//	})
//	if err != nil {
//	    return err
//	}
//
//	authURL := client.AuthorizationURL(sessionID, "openid email", verifier)
//	tokens, err := client.ExchangeCode(ctx, code, verifier)
//
// Every call is bounded by Config.Timeout and by the caller's context, so a
// cancelled inbound request aborts the upstream call.
package upstream
