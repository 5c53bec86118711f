// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package router executes capability calls.
//
// [Router.Route] runs every call through four stages:
//
//   - Lookup: the method is resolved against the current manifest
//     snapshot. A miss yields [NotFound].
//   - Validate: the tool's effective requirements (see
//     [EffectiveRequirements]) are checked. A required permission that
//     is not granted yields [PermissionDenied]; a required credential
//     that cannot be found yields [CredentialMissing]. Checks stop at
//     the first failure. The params are then validated against the
//     tool's input schema and the credentials are resolved through the
//     broker, refreshing OAuth tokens as needed.
//   - Dispatch: the manifest's implementation decides where the call
//     goes: an in-process [Handler], an HTTP request, or a script.
//     Proxy and script calls run under the dispatch timeout.
//   - Respond: the outcome is returned as a [Result] value. Routing
//     outcomes are never Go errors; the protocol layer turns each
//     variant into a JSON-RPC response.
//
// Placeholders in proxy and script templates take two forms:
// {{name}} substitutes the call parameter "name", and
// {{credential:field}} substitutes a field of the primary credential
// (the proxy auth credential, or else the first resolved credential).
// Placeholders that match nothing are left in place verbatim.
package router
