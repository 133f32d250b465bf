// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/okemovail/polaris/internal/storage"
)

// flagStore is the part of the store that remembers seen notices.
type flagStore interface {
	Seen(ctx context.Context, flag string) bool
	MarkSeen(ctx context.Context, flag string) error
}

const disclaimerText = `Replies are generated by a language model and can be wrong, biased or
out of date. Do not share personal or confidential information. Rated
conversations may be used to improve the model.`

// changelog lists what changed per version, newest first.
var changelog = []struct {
	version string
	notes   []string
}{
	{"0.4.0", []string{
		"Config file edits apply while chatting",
		"/attach adds a file name to your next message",
		"Sessions can be listed, shown and deleted from the command line",
	}},
	{"0.3.0", []string{
		"Reasoning is shown separately from the answer (/thought)",
		"Web-augmented answers with /web on",
	}},
}

// showNotices prints the disclaimer once ever and the changelog once per
// version.
func showNotices(ctx context.Context, w io.Writer, store flagStore, version string) {
	if !store.Seen(ctx, storage.FlagDisclaimer) {
		fmt.Fprintln(w, WarningStyle.Render("Before you start"))
		fmt.Fprintln(w, DimStyle.Render(disclaimerText))
		fmt.Fprintln(w)
		_ = store.MarkSeen(ctx, storage.FlagDisclaimer)
	}

	flag := storage.ChangelogFlag(version)
	if store.Seen(ctx, flag) {
		return
	}
	if notes := changelogFor(version); len(notes) > 0 {
		fmt.Fprintln(w, TitleStyle.Render("What's new in "+strings.TrimPrefix(version, "v")))
		for _, note := range notes {
			fmt.Fprintln(w, "  - "+note)
		}
		fmt.Fprintln(w)
	}
	_ = store.MarkSeen(ctx, flag)
}

func changelogFor(version string) []string {
	version = strings.TrimPrefix(version, "v")
	for _, entry := range changelog {
		if entry.version == version {
			return entry.notes
		}
	}
	return nil
}
