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

// Package authserver assembles the OAuth 2.0 authorization broker that sits
// between MCP clients and an Amazon Cognito user pool.
//
// The broker supports:
//   - Dynamic Client Registration (RFC 7591)
//   - Authorization Code flow with PKCE (RFC 7636), delegated to the upstream provider
//   - HS256 broker access tokens that wrap the upstream access token
//   - Refresh tokens backed by the upstream refresh token
//   - Authorization server metadata (RFC 8414)
//
// # Usage
//
//	cfg, err := authserver.LoadConfig(viper.New())
//	if err != nil {
//	    return err
//	}
//	srv, err := authserver.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer srv.Close()
//	return srv.Run(ctx)
//
// # Storage
//
// Records live in memory, Redis or DynamoDB. A durable backend that cannot be
// reached at startup degrades to memory storage with a warning.
package authserver
