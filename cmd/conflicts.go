package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/maren/divvy/internal/conflict"
	"github.com/maren/divvy/internal/models"
	"github.com/maren/divvy/internal/output"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	Aliases: []string{"conflict"},
	Short:   "Inspect and resolve concurrent edits",
	GroupID: "core",
}

var conflictsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List conflicts awaiting a decision",
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer led.Close()

		status := models.ConflictPending
		if all, _ := cmd.Flags().GetBool("all"); all {
			status = ""
		}
		conflicts, err := led.db.ListConflicts(status)
		if err != nil {
			output.Error("list conflicts: %v", err)
			return err
		}

		jsonOut, _ := cmd.Flags().GetBool("json")
		if jsonOut {
			return output.JSON(conflicts)
		}

		if len(conflicts) == 0 {
			output.Info("no pending conflicts")
			return nil
		}
		for i := range conflicts {
			fmt.Println(output.FormatConflictShort(&conflicts[i]))
		}
		fmt.Println("\nResolve with 'divvy conflicts resolve <id> <option>'.")
		return nil
	},
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a conflict with its options side by side",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer led.Close()

		c, err := conflictByID(led, args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}

		jsonOut, _ := cmd.Flags().GetBool("json")
		if jsonOut {
			return output.JSON(c)
		}

		fmt.Print(output.FormatConflictLong(c))
		if c.Status == models.ConflictPending {
			fmt.Printf("\nPick a winner: divvy conflicts resolve %d <option>\n", c.ID)
		}
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id> [option]",
	Short: "Resolve conflicts by picking the winning option",
	Long: `Resolve a conflict by option number, as printed by 'divvy conflicts show'.
With only an id on a terminal, an interactive picker shows the options.

With --bulk, each argument is an <id>:<option> pair and every pair is
resolved independently:

  divvy conflicts resolve --bulk 3:1 5:2`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer led.Close()

		resolver := conflict.NewResolver(led.db, led.writer, led.logger)

		bulk, _ := cmd.Flags().GetBool("bulk")
		if !bulk {
			if len(args) == 1 && term.IsTerminal(int(os.Stdin.Fd())) {
				return resolveInteractive(led, resolver, args[0])
			}
			if len(args) != 2 {
				err := fmt.Errorf("expected <id> <option>, got %d arguments", len(args))
				output.Error("%v", err)
				return err
			}
			pair, err := conflictChoice(led, args[0], args[1])
			if err != nil {
				output.Error("%v", err)
				return err
			}
			if err := resolver.Resolve(pair.ConflictID, pair.WinnerUUID); err != nil {
				output.Error("%v", resolveErrHint(err))
				return err
			}
			output.Success("Resolved conflict #%d", pair.ConflictID)
			fmt.Println("The decision syncs to your other devices.")
			return nil
		}

		pairs := make([]conflict.Pair, 0, len(args))
		for _, arg := range args {
			idStr, optStr, ok := strings.Cut(arg, ":")
			if !ok {
				err := fmt.Errorf("invalid pair %q (want id:option)", arg)
				output.Error("%v", err)
				return err
			}
			pair, err := conflictChoice(led, idStr, optStr)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			pairs = append(pairs, pair)
		}
		if err := resolver.ResolveBulk(pairs); err != nil {
			output.Error("%v", resolveErrHint(err))
			return err
		}
		output.Success("Resolved %d conflicts", len(pairs))
		return nil
	},
}

// resolveInteractive lets the user pick the winner from a select list
// instead of typing an option number.
func resolveInteractive(led *ledger, resolver *conflict.Resolver, idStr string) error {
	c, err := conflictByID(led, idStr)
	if err != nil {
		output.Error("%v", err)
		return err
	}
	if c.Status != models.ConflictPending {
		err := fmt.Errorf("conflict #%d is already %s", c.ID, c.Status)
		output.Error("%v", err)
		return err
	}

	options := make([]huh.Option[string], 0, len(c.Options))
	for i := range c.Options {
		opt := &c.Options[i]
		options = append(options, huh.NewOption(conflictOptionLabel(led, i+1, opt), opt.MutationUUID))
	}

	var winner string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title(fmt.Sprintf("Conflict #%d: keep which version?", c.ID)).
			Description(conflictSubject(c)).
			Options(options...).
			Value(&winner),
	)).WithTheme(huh.ThemeDracula())

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			output.Info("cancelled")
			return nil
		}
		output.Error("%v", err)
		return err
	}

	if err := resolver.Resolve(c.ID, winner); err != nil {
		output.Error("%v", resolveErrHint(err))
		return err
	}
	output.Success("Resolved conflict #%d", c.ID)
	fmt.Println("The decision syncs to your other devices.")
	return nil
}

func conflictSubject(c *models.Conflict) string {
	if c.Type == models.ConflictDeleteVsUpdate {
		return fmt.Sprintf("delete vs update on %s", output.ShortUUID(c.TargetUUID))
	}
	return fmt.Sprintf("%s on %s", c.Field, output.ShortUUID(c.TargetUUID))
}

func conflictOptionLabel(led *ledger, n int, opt *models.ConflictOption) string {
	what := "delete the record"
	if !opt.IsDelete {
		what = output.FormatValue(opt.Value)
	}
	device := opt.DeviceID
	if d, err := led.db.GetDevice(opt.DeviceID); err == nil && d != nil {
		device = d.Name
	}
	return fmt.Sprintf("%d: %s  (%s, %s)", n, what, device, output.FormatTimeAgo(opt.SignedAt))
}

// conflictByID loads a conflict or fails with a not-found error.
func conflictByID(led *ledger, ref string) (*models.Conflict, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(ref, "#"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid conflict id %q", ref)
	}
	c, err := led.db.GetConflict(id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("conflict #%d not found", id)
	}
	return c, nil
}

// conflictChoice translates a 1-based option number into the option's
// mutation UUID, which is what the resolver works with.
func conflictChoice(led *ledger, idStr, optStr string) (conflict.Pair, error) {
	c, err := conflictByID(led, idStr)
	if err != nil {
		return conflict.Pair{}, err
	}
	opt, err := strconv.Atoi(optStr)
	if err != nil || opt < 1 || opt > len(c.Options) {
		return conflict.Pair{}, fmt.Errorf("conflict #%d has options 1-%d, got %q", c.ID, len(c.Options), optStr)
	}
	return conflict.Pair{ConflictID: c.ID, WinnerUUID: c.Options[opt-1].MutationUUID}, nil
}

func resolveErrHint(err error) error {
	if errors.Is(err, conflict.ErrAlreadyResolved) {
		return fmt.Errorf("%w (see 'divvy conflicts list --all')", err)
	}
	return err
}

func init() {
	rootCmd.AddCommand(conflictsCmd)
	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsShowCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)

	conflictsListCmd.Flags().Bool("all", false, "Include resolved and cancelled conflicts")
	conflictsListCmd.Flags().Bool("json", false, "Output as JSON")
	conflictsShowCmd.Flags().Bool("json", false, "Output as JSON")
	conflictsResolveCmd.Flags().Bool("bulk", false, "Resolve several conflicts, each argument an <id>:<option> pair")
}
