package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/maren/divvy/internal/dateparse"
	"github.com/maren/divvy/internal/input"
	"github.com/maren/divvy/internal/models"
	"github.com/maren/divvy/internal/mutation"
	"github.com/maren/divvy/internal/output"
	"github.com/maren/divvy/internal/tui/expenseform"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const expenseType = "expense"

var expenseCmd = &cobra.Command{
	Use:     "expense",
	Aliases: []string{"exp"},
	Short:   "Record and browse shared expenses",
	GroupID: "core",
}

var expenseAddCmd = &cobra.Command{
	Use:   "add [description]",
	Short: "Record a new expense",
	Long: `Records a new expense. With a description and --amount it writes the
expense directly; with no arguments on a terminal it opens an interactive
form instead.

The --note value may be literal text, @file to read a file, or - to read
stdin. The --date value accepts absolute dates (2026-08-20) and relative
ones: today, yesterday, last-week, last-month, a weekday name, or an
offset like -3d, -2w, -1m.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer led.Close()

		if len(args) == 0 {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				output.Error("description required")
				return fmt.Errorf("description required")
			}
			return addExpenseInteractive(led)
		}

		amount, _ := cmd.Flags().GetString("amount")
		if amount == "" {
			output.Error("--amount is required")
			return fmt.Errorf("--amount is required")
		}
		if _, err := strconv.ParseFloat(amount, 64); err != nil {
			output.Error("invalid amount %q", amount)
			return err
		}

		fields := map[string]json.RawMessage{
			"description": fieldJSON(strings.Join(args, " ")),
			"amount":      fieldJSON(amount),
		}

		if currency, _ := cmd.Flags().GetString("currency"); currency != "" {
			fields["currency"] = fieldJSON(strings.ToUpper(currency))
		}
		if note, _ := cmd.Flags().GetString("note"); note != "" {
			expanded, err := input.Expand(note)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			if expanded != "" {
				fields["note"] = fieldJSON(expanded)
			}
		}

		dateStr, _ := cmd.Flags().GetString("date")
		if dateStr == "" {
			dateStr = time.Now().Format("2006-01-02")
		} else {
			parsed, err := dateparse.ParseDate(dateStr)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			dateStr = parsed
		}
		fields["date"] = fieldJSON(dateStr)

		payerRef, _ := cmd.Flags().GetString("paid-by")
		if payerRef == "" {
			self, err := led.db.SelfPerson()
			if err != nil {
				output.Error("%v", err)
				return err
			}
			if self != nil {
				fields["paid_by"] = fieldJSON(self.Name)
			}
		} else {
			payer, err := personByRef(led.db, payerRef)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			fields["paid_by"] = fieldJSON(payer.Name)
		}

		if groupRef, _ := cmd.Flags().GetString("group"); groupRef != "" {
			group, err := groupByRef(led.db, groupRef)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			fields["group"] = fieldJSON(group.UUID)
		}

		recordUUID := uuid.NewString()
		_, _, err = led.writer.Append(models.TargetRecord, recordUUID, models.VerbCreate,
			&mutation.RecordCreate{RecordType: expenseType, Fields: fields})
		if err != nil {
			output.Error("%v", err)
			return err
		}

		output.Success("Added expense %s", output.ShortUUID(recordUUID))
		return nil
	},
}

// addExpenseInteractive runs the expense form and writes the result.
func addExpenseInteractive(led *ledger) error {
	persons, err := led.db.ListPersons(false)
	if err != nil {
		output.Error("%v", err)
		return err
	}
	groups, err := led.db.ListGroups(false)
	if err != nil {
		output.Error("%v", err)
		return err
	}

	fs := expenseform.NewFormState(persons, groups)
	if err := fs.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			output.Info("cancelled")
			return nil
		}
		output.Error("%v", err)
		return err
	}

	exp, err := fs.ToExpense()
	if err != nil {
		output.Error("%v", err)
		return err
	}

	fields := map[string]json.RawMessage{
		"description": fieldJSON(exp.Description),
		"amount":      fieldJSON(exp.Amount),
		"date":        fieldJSON(exp.Date),
	}
	if exp.Currency != "" {
		fields["currency"] = fieldJSON(exp.Currency)
	}
	if exp.PaidBy != "" {
		fields["paid_by"] = fieldJSON(exp.PaidBy)
	}
	if exp.Group != "" {
		fields["group"] = fieldJSON(exp.Group)
	}
	if exp.Note != "" {
		fields["note"] = fieldJSON(exp.Note)
	}

	recordUUID := uuid.NewString()
	_, _, err = led.writer.Append(models.TargetRecord, recordUUID, models.VerbCreate,
		&mutation.RecordCreate{RecordType: expenseType, Fields: fields})
	if err != nil {
		output.Error("%v", err)
		return err
	}

	output.Success("Added expense %s", output.ShortUUID(recordUUID))
	return nil
}

var expenseListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List expenses",
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer led.Close()

		showAll, _ := cmd.Flags().GetBool("all")
		records, err := led.db.ListRecords(expenseType, showAll)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if groupRef, _ := cmd.Flags().GetString("group"); groupRef != "" {
			group, err := groupByRef(led.db, groupRef)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			records = filterByGroup(records, group.UUID)
		}

		jsonOut, _ := cmd.Flags().GetBool("json")
		if jsonOut {
			return output.JSON(records)
		}

		long, _ := cmd.Flags().GetBool("long")
		for i := range records {
			if long {
				fmt.Print(output.FormatRecordLong(&records[i]))
			} else {
				fmt.Println(output.FormatRecordShort(&records[i]))
			}
		}
		if len(records) == 0 {
			fmt.Println("No expenses recorded")
		}
		return nil
	},
}

var expenseShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one expense in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer led.Close()

		rec, err := recordByRef(led.db, args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}

		jsonOut, _ := cmd.Flags().GetBool("json")
		if jsonOut {
			return output.JSON(rec)
		}

		display := rec
		renderedNote := ""
		if renderMD, _ := cmd.Flags().GetBool("render-markdown"); renderMD {
			display, renderedNote = splitRenderedNote(rec)
		}
		fmt.Print(output.FormatRecordLong(display))
		if renderedNote != "" {
			fmt.Println(renderedNote)
		}

		// Pending conflicts on this record are easy to miss otherwise
		conflicts, err := led.db.ListConflicts(models.ConflictPending)
		if err != nil {
			return nil
		}
		for i := range conflicts {
			if conflicts[i].TargetUUID == rec.UUID {
				output.Warning("has a pending conflict: divvy conflicts show %d", conflicts[i].ID)
			}
		}
		return nil
	},
}

var expenseEditCmd = &cobra.Command{
	Use:   "edit <id> [field=value ...]",
	Short: "Edit fields of an expense",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer led.Close()

		rec, err := recordByRef(led.db, args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}

		fields, err := parseSetArgs(args[1:])
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if amount, _ := cmd.Flags().GetString("amount"); amount != "" {
			if _, err := strconv.ParseFloat(amount, 64); err != nil {
				output.Error("invalid amount %q", amount)
				return err
			}
			fields["amount"] = fieldJSON(amount)
		}
		if desc, _ := cmd.Flags().GetString("description"); desc != "" {
			fields["description"] = fieldJSON(desc)
		}
		if note, _ := cmd.Flags().GetString("note"); note != "" {
			expanded, err := input.Expand(note)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			fields["note"] = fieldJSON(expanded)
		}
		if dateStr, _ := cmd.Flags().GetString("date"); dateStr != "" {
			parsed, err := dateparse.ParseDate(dateStr)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			fields["date"] = fieldJSON(parsed)
		}

		if len(fields) == 0 {
			output.Error("nothing to change")
			return fmt.Errorf("nothing to change")
		}

		_, _, err = led.writer.Append(models.TargetRecord, rec.UUID, models.VerbUpdate,
			&mutation.RecordUpdate{Fields: fields})
		if err != nil {
			output.Error("%v", err)
			return err
		}

		output.Success("Updated expense %s", output.ShortUUID(rec.UUID))
		return nil
	},
}

var expenseRmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	Short:   "Delete an expense",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer led.Close()

		rec, err := recordByRef(led.db, args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if rec.DeletedAt != nil {
			output.Warning("expense %s is already deleted", output.ShortUUID(rec.UUID))
			return nil
		}

		_, _, err = led.writer.Append(models.TargetRecord, rec.UUID, models.VerbDelete, nil)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		output.Success("Deleted expense %s", output.ShortUUID(rec.UUID))
		return nil
	},
}

// splitRenderedNote pulls the note out of a record and renders it as
// markdown. The caller prints the remaining fields through the long
// format and the rendered note as a block below.
func splitRenderedNote(rec *models.Record) (*models.Record, string) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rec.Data, &fields); err != nil {
		return rec, ""
	}
	var note string
	raw, ok := fields["note"]
	if !ok || json.Unmarshal(raw, &note) != nil || note == "" {
		return rec, ""
	}

	rendered, err := output.RenderMarkdown(note)
	if err != nil {
		output.Warning("failed to render note markdown: %v", err)
		return rec, ""
	}
	if rendered == "" {
		return rec, ""
	}

	delete(fields, "note")
	data, err := json.Marshal(fields)
	if err != nil {
		return rec, ""
	}
	display := *rec
	display.Data = data
	return &display, rendered
}

// filterByGroup keeps records whose group field names the given group.
func filterByGroup(records []models.Record, groupUUID string) []models.Record {
	var out []models.Record
	for _, rec := range records {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(rec.Data, &fields); err != nil {
			continue
		}
		var g string
		if err := json.Unmarshal(fields["group"], &g); err != nil {
			continue
		}
		if g == groupUUID {
			out = append(out, rec)
		}
	}
	return out
}

func init() {
	rootCmd.AddCommand(expenseCmd)
	expenseCmd.AddCommand(expenseAddCmd)
	expenseCmd.AddCommand(expenseListCmd)
	expenseCmd.AddCommand(expenseShowCmd)
	expenseCmd.AddCommand(expenseEditCmd)
	expenseCmd.AddCommand(expenseRmCmd)

	expenseAddCmd.Flags().String("amount", "", "Amount, e.g. 12.50 (required)")
	expenseAddCmd.Flags().String("currency", "", "Currency code, e.g. EUR")
	expenseAddCmd.Flags().String("paid-by", "", "Who paid (default: you)")
	expenseAddCmd.Flags().String("group", "", "Group to book the expense under")
	expenseAddCmd.Flags().String("note", "", "Free-form note (@file or - for stdin)")
	expenseAddCmd.Flags().String("date", "", "Expense date, absolute or relative (default: today)")

	expenseListCmd.Flags().Bool("all", false, "Include deleted expenses")
	expenseListCmd.Flags().String("group", "", "Only expenses of this group")
	expenseListCmd.Flags().Bool("long", false, "Full output with every field")
	expenseListCmd.Flags().Bool("json", false, "Output as JSON")

	expenseShowCmd.Flags().Bool("json", false, "Output as JSON")
	expenseShowCmd.Flags().BoolP("render-markdown", "m", false, "Render the note as markdown")

	expenseEditCmd.Flags().String("amount", "", "New amount")
	expenseEditCmd.Flags().String("description", "", "New description")
	expenseEditCmd.Flags().String("note", "", "New note (@file or - for stdin)")
	expenseEditCmd.Flags().String("date", "", "New date, absolute or relative")
}
