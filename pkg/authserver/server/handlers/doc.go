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

// Package handlers provides the HTTP endpoints of the authorization broker.
//
// The broker terminates the client-facing OAuth 2.0 flow and delegates user
// authentication to an upstream provider:
//
//   - GET /.well-known/oauth-authorization-server: RFC 8414 metadata
//   - POST /register: RFC 7591 dynamic client registration
//   - GET /authorize: validates the client and redirects upstream
//   - GET /callback: receives the upstream code and redirects back to the client
//   - POST /token: authorization_code and refresh_token grants
//   - GET /whoami: a bearer-protected resource echoing the caller's identity
//
// Errors are returned as JSON {error, error_description} documents and are
// never redirected to the client.
package handlers
