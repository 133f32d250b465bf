// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okemovail/polaris/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "nested", "polaris.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testSession(user, reply string, updated time.Time) *model.Session {
	s := model.NewSession("owner/space")
	turn := model.NewTurn(user)
	turn.Settle(reply, false)
	s.Turns = append(s.Turns, turn)
	s.CreatedAt = updated.Add(-time.Minute)
	s.UpdatedAt = updated
	return s
}

// =============================================================================
// KEY-VALUE TESTS
// =============================================================================

func TestStore_PutGetDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	type record struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, store.Put(ctx, "thing", record{"a", 1}))
	require.NoError(t, store.Put(ctx, "thing", record{"b", 2}))

	var got record
	require.NoError(t, store.Get(ctx, "thing", &got))
	assert.Equal(t, record{"b", 2}, got)

	require.NoError(t, store.Delete(ctx, "thing"))
	assert.ErrorIs(t, store.Get(ctx, "thing", &got), ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "thing"), ErrNotFound)
}

func TestStore_KeysByPrefix(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "flag:a", true))
	require.NoError(t, store.Put(ctx, "flag:b", true))
	require.NoError(t, store.Put(ctx, "settings", 1))

	keys, err := store.Keys(ctx, "flag:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"flag:a", "flag:b"}, keys)
}

func TestStore_Flags(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	assert.False(t, store.Seen(ctx, FlagDisclaimer))
	require.NoError(t, store.MarkSeen(ctx, FlagDisclaimer))
	assert.True(t, store.Seen(ctx, FlagDisclaimer))

	assert.Equal(t, "seen_changelog:1.2.0", ChangelogFlag("v1.2.0"))
	assert.False(t, store.Seen(ctx, ChangelogFlag("1.2.0")))
}

func TestStore_Settings(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	got, err := store.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultSettings(), got)

	want := model.Settings{Temperature: 1.1, MaxOutputTokens: 512}
	require.NoError(t, store.SaveSettings(ctx, want))
	got, err = store.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	err = store.SaveSettings(ctx, model.Settings{Temperature: -1, MaxOutputTokens: 10})
	assert.ErrorIs(t, err, model.ErrInvalidSettings)
}

func TestStore_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "polaris.db")
	ctx := context.Background()

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.MarkSeen(ctx, FlagDisclaimer))
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()
	assert.True(t, store.Seen(ctx, FlagDisclaimer))
}

// =============================================================================
// SESSION ARCHIVE TESTS
// =============================================================================

func TestSessions_SaveAndLoad(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess := testSession("What is 2+2?", "<thought>add</thought>4", time.Now())
	require.NoError(t, store.SaveSession(ctx, sess))

	loaded, err := store.LoadSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, loaded.ID)
	assert.Equal(t, "owner/space", loaded.Target)
	require.Len(t, loaded.Turns, 1)
	assert.Equal(t, "What is 2+2?", loaded.Turns[0].UserText)
	assert.Equal(t, "<thought>add</thought>4", loaded.Turns[0].Reply())
	assert.Equal(t, model.TurnSettled, loaded.Turns[0].State)

	_, err = store.LoadSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessions_ListMostRecentFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	older := testSession("first question", "first answer", now.Add(-time.Hour))
	newer := testSession("second question [WEB_SEARCH]", "<thought>x</thought>second answer", now)
	require.NoError(t, store.SaveSession(ctx, newer))
	require.NoError(t, store.SaveSession(ctx, older))

	metas, err := store.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, newer.ID, metas[0].ID)
	assert.Equal(t, older.ID, metas[1].ID)
	assert.Equal(t, "second question", metas[0].Title)
	assert.Equal(t, "second answer", metas[0].Preview)
	assert.Equal(t, 1, metas[0].TurnCount)
}

func TestSessions_EnforceLimit(t *testing.T) {
	store := openTestStore(t)
	store.MaxSessions = 2
	ctx := context.Background()
	now := time.Now()

	var ids []string
	for i := 0; i < 3; i++ {
		s := testSession("q", "a", now.Add(time.Duration(i)*time.Minute))
		ids = append(ids, s.ID)
		require.NoError(t, store.SaveSession(ctx, s))
	}

	metas, err := store.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, ids[2], metas[0].ID)
	assert.Equal(t, ids[1], metas[1].ID)
}

func TestSessions_FindAndDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess := testSession("q", "a", time.Now())
	require.NoError(t, store.SaveSession(ctx, sess))

	byPrefix, err := store.FindSession(ctx, sess.ID[:8])
	require.NoError(t, err)
	assert.Equal(t, sess.ID, byPrefix.ID)

	byPos, err := store.FindSession(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, byPos.ID)

	_, err = store.FindSession(ctx, "zzzz")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, store.DeleteSession(ctx, sess.ID))
	assert.ErrorIs(t, store.DeleteSession(ctx, sess.ID), ErrSessionNotFound)
}

func TestFormatSessionList(t *testing.T) {
	assert.Equal(t, "No sessions found.", FormatSessionList(nil))

	out := FormatSessionList([]SessionMeta{{
		ID:        "0123456789abcdef",
		Title:     "Hello there",
		UpdatedAt: time.Date(2025, 1, 2, 3, 4, 0, 0, time.Local),
		TurnCount: 3,
	}})
	assert.Contains(t, out, "01234567 ")
	assert.NotContains(t, out, "0123456789")
	assert.Contains(t, out, "2025-01-02 03:04")
	assert.True(t, strings.HasSuffix(out, "Hello there\n"))
}
