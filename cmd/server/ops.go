package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/rpggio/scribe/internal/domain/project"
	"github.com/rpggio/scribe/internal/sqlite"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDB(cfg.DB.Path)
			if err != nil {
				return err
			}
			defer db.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "Database %s is up to date\n", cfg.DB.Path)
			return nil
		},
	}
}

func addKeyCmd() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "add-key <user>",
		Short: "Issue an API key for a user",
		Long: `Issue a bearer token for a user. Only the token's hash is stored,
so the printed token cannot be recovered later.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDB(cfg.DB.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			token := uuid.NewString()
			if err := sqlite.NewAPIKeyRepository(db).Add(cmd.Context(), token, args[0], description); err != nil {
				return fmt.Errorf("add key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "What the key is for")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [projectid]",
		Short: "Show stuck projects, or the lock state of one project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := startApp(os.Stderr)
			if err != nil {
				return err
			}
			defer cleanup()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				st, err := a.projects.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printStatus(out, st)
				return nil
			}

			stuck, err := a.projects.Stuck(cmd.Context())
			if err != nil {
				return err
			}
			if len(stuck) == 0 {
				fmt.Fprintln(out, color.New(color.FgGreen).Sprint("No locked or failed projects"))
				return nil
			}
			for i := range stuck {
				printStatus(out, &stuck[i])
			}
			return nil
		},
	}
}

func unlockProjectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock-project <projectid>",
		Short: "Release a project lock and cancel its speech job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := startApp(os.Stderr)
			if err != nil {
				return err
			}
			defer cleanup()

			msg, err := a.projects.UnlockProject(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

func unlockTaskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock-task <projectid> <taskid>",
		Short: "Release a task lock and cancel its speech job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid task id %q", args[1])
			}
			a, cleanup, err := startApp(os.Stderr)
			if err != nil {
				return err
			}
			defer cleanup()

			msg, err := a.editor.UnlockTask(cmd.Context(), args[0], taskID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

func lockLabel(l project.LockState) string {
	switch l.Kind {
	case project.LockHeld:
		label := color.New(color.FgYellow).Sprint("LOCKED")
		if l.External() {
			return fmt.Sprintf("%s %s (job %s)", label, l.Op, l.Tag)
		}
		return fmt.Sprintf("%s %s", label, l.Op)
	case project.LockFailed:
		return fmt.Sprintf("%s %s", color.New(color.FgRed).Sprint("ERROR "), l.Message)
	default:
		return color.New(color.FgGreen).Sprint("idle  ")
	}
}

func printStatus(out io.Writer, st *project.Status) {
	name := ""
	id := ""
	if st.Project != nil {
		id, name = st.Project.ID, st.Project.Name
	}
	fmt.Fprintf(out, "%s  %s  %s\n", lockLabel(st.Lock), id, color.New(color.Bold).Sprint(name))
	for _, t := range st.Tasks {
		fmt.Fprintf(out, "    task %-3d %-12s %s\n", t.TaskID, t.Editor, lockLabel(t.Lock))
	}
}
