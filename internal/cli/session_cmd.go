// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/okemovail/polaris/internal/storage"
)

// newSessionsCommand builds "polaris sessions" and its subcommands.
func newSessionsCommand(flags *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Manage saved chat sessions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listSessions(cmd, flags, asJSON)
		},
	}

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List saved sessions, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listSessions(cmd, flags, asJSON)
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "output as JSON")

	show := &cobra.Command{
		Use:   "show <id|#>",
		Short: "Print a saved session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showSession(cmd, flags, args[0], asJSON)
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "output as JSON")

	var yes bool
	del := &cobra.Command{
		Use:     "delete <id|#>",
		Aliases: []string{"rm"},
		Short:   "Delete a saved session",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return deleteSession(cmd, flags, args[0], yes)
		},
	}
	del.Flags().BoolVarP(&yes, "yes", "y", false, "delete without asking")

	cmd.AddCommand(list, show, del)
	return cmd
}

// openStore opens only what the sessions commands need.
func openStore(flags *globalFlags) (*storage.Store, error) {
	cfg, _, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	store.MaxSessions = cfg.Storage.MaxSessions
	return store, nil
}

func listSessions(cmd *cobra.Command, flags *globalFlags, asJSON bool) error {
	store, err := openStore(flags)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListSessions(cmd.Context())
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(cmd, sessions)
	}
	fmt.Fprintln(cmd.OutOrStdout(), storage.FormatSessionList(sessions))
	return nil
}

func showSession(cmd *cobra.Command, flags *globalFlags, ref string, asJSON bool) error {
	store, err := openStore(flags)
	if err != nil {
		return err
	}
	defer store.Close()

	sess, err := store.FindSession(cmd.Context(), ref)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(cmd, sess)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, TitleStyle.Render(sess.Title()))
	fmt.Fprintf(out, "%s %s\n", RenderLabel("ID:"), sess.ID)
	fmt.Fprintf(out, "%s %s\n", RenderLabel("Backend:"), sess.Target)
	fmt.Fprintf(out, "%s %s\n", RenderLabel("Updated:"), sess.UpdatedAt.Local().Format("2006-01-02 15:04"))
	fmt.Fprintln(out)
	NewPrinter(out, cmd.ErrOrStderr(), nil, true).PrintTranscript(*sess)
	return nil
}

func deleteSession(cmd *cobra.Command, flags *globalFlags, ref string, yes bool) error {
	store, err := openStore(flags)
	if err != nil {
		return err
	}
	defer store.Close()

	sess, err := store.FindSession(cmd.Context(), ref)
	if err != nil {
		return err
	}
	action := fmt.Sprintf("delete session %q", sess.Title())
	if err := RequireConfirmation(cmd.InOrStdin(), cmd.OutOrStdout(), action, yes); err != nil {
		return err
	}
	if err := store.DeleteSession(cmd.Context(), sess.ID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted session %s\n", SuccessStyle.Render("[OK]"), sess.ID)
	return nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
