package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"codeflow/api/internal/app"
	"codeflow/api/internal/commitsync"
	"codeflow/api/internal/identity"
	"codeflow/api/internal/store"

	"github.com/spf13/cobra"
)

// withRuntime wires the runtime, resolves the acting identity and runs fn.
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, svc *app.Service, who identity.Identity) error) error {
	ctx := cmd.Context()
	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	who, err := rt.currentIdentity(ctx, tokenFlag)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}
	return fn(ctx, rt.service, who)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and print a bearer token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")
		return withRuntime(cmd, func(ctx context.Context, svc *app.Service, _ identity.Identity) error {
			session, err := svc.SignIn(ctx, identity.SignInRequest{Email: email, Password: password})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), session)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), session.Token)
			return err
		})
	},
}

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Record a commit of a code file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		message, _ := cmd.Flags().GetString("message")
		language, _ := cmd.Flags().GetString("language")
		file, _ := cmd.Flags().GetString("file")
		code, err := readCode(cmd, file)
		if err != nil {
			return err
		}
		return withRuntime(cmd, func(_ context.Context, svc *app.Service, who identity.Identity) error {
			commit, err := svc.CreateCommit(who, store.CommitDraft{Message: message, Code: code, Language: language})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), commit)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", shortID(commit.ID), commit.Message)
			return err
		})
	},
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "List commits, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(_ context.Context, svc *app.Service, who identity.Identity) error {
			commits, err := svc.ListCommits(who)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), commits)
			}
			return printCommits(cmd.OutOrStdout(), commits)
		})
	},
}

var checkoutCmd = &cobra.Command{
	Use:   "checkout <commit-id>",
	Short: "Print the code stored in a commit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(_ context.Context, svc *app.Service, who identity.Identity) error {
			commit, err := svc.Checkout(who, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), commit)
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), commit.Code)
			return err
		})
	},
}

var pushCmd = &cobra.Command{
	Use:   "push [commit-id...]",
	Short: "Push unsynced commits to the remote store",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, svc *app.Service, who identity.Identity) error {
			return reportSync(cmd, svc.Push(ctx, who, args))
		})
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Merge the remote commit log into the local one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, svc *app.Service, who identity.Identity) error {
			return reportSync(cmd, svc.Pull(ctx, who))
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Manage run history",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, svc *app.Service, who identity.Identity) error {
			records, err := svc.ListHistory(ctx, who)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), records)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWHEN\tLANGUAGE\tORIGIN\tCOMMENT")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Timestamp.Local().Format("2006-01-02 15:04"), r.Language, r.Origin, r.Comment)
			}
			return tw.Flush()
		})
	},
}

var historySaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Save a run of a code file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		language, _ := cmd.Flags().GetString("language")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		comment, _ := cmd.Flags().GetString("comment")
		force, _ := cmd.Flags().GetBool("force")
		code, err := readCode(cmd, file)
		if err != nil {
			return err
		}
		draft := store.HistoryDraft{Language: language, Code: code, Title: title, Comment: comment}
		return withRuntime(cmd, func(ctx context.Context, svc *app.Service, who identity.Identity) error {
			record, created, err := svc.SaveHistory(ctx, who, draft, !force)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), record)
			}
			if !created {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "unchanged since %s\n", record.ID)
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), record.ID)
			return err
		})
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a saved run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, svc *app.Service, who identity.Identity) error {
			return svc.DeleteHistory(ctx, who, args[0])
		})
	},
}

var exportGitCmd = &cobra.Command{
	Use:   "export-git",
	Short: "Mirror the commit log into a git repository",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(_ context.Context, svc *app.Service, who identity.Identity) error {
			report, err := svc.ExportGit(who)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), report)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d exported, %d already present\n", report.Path, report.Exported, report.Skipped)
			return err
		})
	},
}

func init() {
	loginCmd.Flags().String("email", "", "account email")
	loginCmd.Flags().String("password", "", "account password")
	_ = loginCmd.MarkFlagRequired("email")
	_ = loginCmd.MarkFlagRequired("password")

	commitCmd.Flags().StringP("message", "m", "", "commit message")
	commitCmd.Flags().StringP("language", "l", "", "language of the code")
	commitCmd.Flags().StringP("file", "f", "-", "file to commit, - for stdin")
	_ = commitCmd.MarkFlagRequired("message")
	_ = commitCmd.MarkFlagRequired("language")

	historySaveCmd.Flags().StringP("language", "l", "", "language of the code")
	historySaveCmd.Flags().StringP("file", "f", "-", "file that was run, - for stdin")
	historySaveCmd.Flags().String("title", "", "optional title")
	historySaveCmd.Flags().String("comment", "", "optional comment")
	historySaveCmd.Flags().Bool("force", false, "save even if identical to the newest run")
	_ = historySaveCmd.MarkFlagRequired("language")

	historyCmd.AddCommand(historyListCmd, historySaveCmd, historyDeleteCmd)
}

func readCode(cmd *cobra.Command, file string) (string, error) {
	if file == "" || file == "-" {
		raw, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(raw), nil
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", file, err)
	}
	return string(raw), nil
}

func reportSync(cmd *cobra.Command, res commitsync.Result) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		if err := printJSON(out, res); err != nil {
			return err
		}
	} else {
		line := res.Message()
		if res.Op == "push" && res.Written+res.AlreadyRemote > 0 {
			line = fmt.Sprintf("%s (%d written, %d already remote)", line, res.Written, res.AlreadyRemote)
		}
		if res.Err != nil {
			line = fmt.Sprintf("%s: %v", line, res.Err)
		}
		fmt.Fprintln(out, line)
		if res.Op == "pull" && len(res.Commits) > 0 {
			if err := printCommits(out, res.Commits); err != nil {
				return err
			}
		}
	}
	if res.Status == commitsync.StatusFailed {
		return fmt.Errorf("%s failed", res.Op)
	}
	return nil
}

func printCommits(w io.Writer, commits []store.Commit) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWHEN\tAUTHOR\tLANGUAGE\tSYNC\tMESSAGE")
	for _, c := range commits {
		sync := "local"
		if c.IsSynced() {
			sync = "synced"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(c.ID), c.Timestamp.Local().Format("2006-01-02 15:04"), c.Author, c.Language, sync, firstLine(c.Message))
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
