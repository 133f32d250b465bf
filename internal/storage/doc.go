// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides local persistence for polaris.
//
// Everything lives in one SQLite file as a key-value table whose values are
// JSON documents:
//
//	session:<id>                  archived chat session
//	settings                      sampling settings
//	flag:seen_disclaimer          disclaimer acknowledged
//	flag:seen_changelog:<version> changelog shown for a release
//
// # Usage
//
//	store, err := storage.Open(path)
//	defer store.Close()
//
//	err = store.SaveSession(ctx, session)
//	metas, err := store.ListSessions(ctx)
//	s, err := store.LoadSession(ctx, metas[0].ID)
//
// Store satisfies controller.Archiver, so the controller archives every
// settled session directly.
package storage
