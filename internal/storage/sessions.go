// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/okemovail/polaris/internal/markers"
	"github.com/okemovail/polaris/internal/model"
	"github.com/okemovail/polaris/internal/util"
)

const sessionPrefix = "session:"

// previewWidth is the display width of listing previews.
const previewWidth = 60

// ErrSessionNotFound is returned when a session doesn't exist.
// Use errors.Is(err, ErrSessionNotFound) to check for this error.
var ErrSessionNotFound = &SessionError{Message: "session not found"}

// SessionError represents a session-related error.
type SessionError struct {
	Message string
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing session errors.
func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

// SessionMeta contains metadata for listing sessions.
type SessionMeta struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Target    string    `json:"target"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	TurnCount int       `json:"turn_count"`
	Preview   string    `json:"preview"` // last reply, truncated
}

// =============================================================================
// SAVE OPERATIONS
// =============================================================================

// SaveSession archives a copy of sess and prunes the archive to MaxSessions.
func (s *Store) SaveSession(ctx context.Context, sess *model.Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("session has no id")
	}

	c := sess.Clone()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.UpdatedAt
	}

	if err := s.put(ctx, sessionPrefix+c.ID, &c, c.UpdatedAt); err != nil {
		return err
	}
	return s.enforceLimit(ctx)
}

// enforceLimit removes the oldest sessions beyond MaxSessions.
func (s *Store) enforceLimit(ctx context.Context) error {
	if s.MaxSessions <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM kv WHERE key IN (
			SELECT key FROM kv WHERE substr(key, 1, ?) = ?
			ORDER BY updated_at DESC LIMIT -1 OFFSET ?
		)`, len(sessionPrefix), sessionPrefix, s.MaxSessions)
	if err != nil {
		return fmt.Errorf("prune sessions: %w", err)
	}
	return nil
}

// =============================================================================
// LOAD OPERATIONS
// =============================================================================

// LoadSession retrieves a session by id.
func (s *Store) LoadSession(ctx context.Context, id string) (*model.Session, error) {
	var sess model.Session
	if err := s.Get(ctx, sessionPrefix+id, &sess); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if sess.Turns == nil {
		sess.Turns = make([]model.Turn, 0)
	}
	return &sess, nil
}

// FindSession resolves ref to a session. ref is a full id, a unique id
// prefix, or a 1-based position in the listing. Numeric refs of up to three
// digits are positions.
func (s *Store) FindSession(ctx context.Context, ref string) (*model.Session, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrSessionNotFound
	}

	metas, err := s.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	if n, err := strconv.Atoi(ref); err == nil && n >= 1 && n <= len(metas) && len(ref) < 4 {
		return s.LoadSession(ctx, metas[n-1].ID)
	}

	var match string
	for _, m := range metas {
		if m.ID == ref {
			return s.LoadSession(ctx, m.ID)
		}
		if strings.HasPrefix(m.ID, ref) {
			if match != "" {
				return nil, &SessionError{Message: fmt.Sprintf("session prefix %q is ambiguous", ref)}
			}
			match = m.ID
		}
	}
	if match == "" {
		return nil, ErrSessionNotFound
	}
	return s.LoadSession(ctx, match)
}

// =============================================================================
// LIST OPERATIONS
// =============================================================================

// ListSessions returns metadata for all archived sessions, most recent first.
// Undecodable entries are skipped.
func (s *Store) ListSessions(ctx context.Context) ([]SessionMeta, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY updated_at DESC",
		len(sessionPrefix), sessionPrefix)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	metas := make([]SessionMeta, 0, len(keys))
	for _, key := range keys {
		var sess model.Session
		if err := s.Get(ctx, key, &sess); err != nil {
			continue
		}
		metas = append(metas, metaFor(&sess))
	}
	return metas, nil
}

func metaFor(sess *model.Session) SessionMeta {
	meta := SessionMeta{
		ID:        sess.ID,
		Title:     sess.Title(),
		Target:    sess.Target,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
		TurnCount: sess.Len(),
	}
	if last, ok := sess.Last(); ok && last.HasReply() {
		meta.Preview = util.Preview(markers.StripThought(last.Reply()), previewWidth)
	}
	return meta
}

// =============================================================================
// DELETE OPERATIONS
// =============================================================================

// DeleteSession removes a session by id.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := s.Delete(ctx, sessionPrefix+id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	return nil
}

// =============================================================================
// SESSION LIST FORMATTING
// =============================================================================

// FormatSessionList formats sessions as a table with position, short id,
// update time, turn count and title.
func FormatSessionList(sessions []SessionMeta) string {
	if len(sessions) == 0 {
		return "No sessions found."
	}

	var sb strings.Builder
	sb.WriteString(formatPadded("#", 4) + formatPadded("ID", 10) + formatPadded("Updated", 18) + formatPadded("Turns", 7) + "Title\n")
	sb.WriteString(strings.Repeat("-", 72) + "\n")

	for i, s := range sessions {
		id := s.ID
		if len(id) > 8 {
			id = id[:8]
		}
		sb.WriteString(formatPadded(strconv.Itoa(i+1), 4) +
			formatPadded(id, 10) +
			formatPadded(s.UpdatedAt.Local().Format("2006-01-02 15:04"), 18) +
			formatPadded(strconv.Itoa(s.TurnCount), 7) +
			util.TruncateWidth(s.Title, 33) + "\n")
	}
	return sb.String()
}

// formatPadded pads s with spaces to width display columns.
func formatPadded(s string, width int) string {
	return runewidth.FillRight(s, width)
}
