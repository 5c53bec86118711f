// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Tairseach is the command-line client for the capability broker.
//
// Most subcommands talk JSON-RPC to a running tairseach-broker over its
// Unix socket. The vault subcommands open the local credential store
// directly and work without a running broker.
//
//	tairseach call contacts.list
//	tairseach call github.get_user '{"username":"octocat"}'
//	tairseach tools
//	tairseach auth login google --scope https://www.googleapis.com/auth/gmail.readonly
//	tairseach credential set openweather --type api_key --field api_key
//	tairseach vault export --recipient age1... --output backup.age
package main
