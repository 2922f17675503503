package cmd

import (
	"fmt"

	"github.com/maren/divvy/internal/output"
	"github.com/maren/divvy/internal/settle"
	"github.com/spf13/cobra"
)

var balancesCmd = &cobra.Command{
	Use:     "balances",
	Aliases: []string{"settle"},
	Short:   "Show who owes whom, with suggested payments",
	Long: `Computes each person's balance from the expenses in the ledger and
suggests the smallest set of payments that settles everyone.

Balances are computed locally from this device's view; sync first if you
want the latest entries from your peers included.`,
	GroupID: "core",
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer led.Close()

		groupUUID := ""
		if ref, _ := cmd.Flags().GetString("group"); ref != "" {
			group, err := groupByRef(led.db, ref)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			groupUUID = group.UUID
		}

		report, err := settle.Compute(led.db, groupUUID)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		jsonOut, _ := cmd.Flags().GetBool("json")
		if jsonOut {
			return output.JSON(report)
		}

		printBalancesReport(report)
		return nil
	},
}

func printBalancesReport(report *settle.Report) {
	scope := "all expenses"
	if report.GroupName != "" {
		scope = fmt.Sprintf("group %q", report.GroupName)
	}
	currency := ""
	if report.Currency != "" {
		currency = " " + report.Currency
	}
	fmt.Printf("%d expenses totaling %s%s (%s)\n",
		report.ExpenseCount, settle.FormatCents(report.TotalCents), currency, scope)

	if len(report.Balances) == 0 {
		output.Info("nothing to settle")
		return
	}

	fmt.Print(output.SectionHeader("balances"))
	for _, b := range report.Balances {
		name := b.Name
		if name == "" {
			name = output.ShortUUID(b.PersonUUID)
		}
		switch {
		case b.NetCents > 0:
			fmt.Printf("  %-16s is owed %s\n", name, settle.FormatCents(b.NetCents))
		case b.NetCents < 0:
			fmt.Printf("  %-16s owes %s\n", name, settle.FormatCents(-b.NetCents))
		default:
			fmt.Printf("  %-16s settled\n", name)
		}
	}

	if len(report.Transfers) > 0 {
		fmt.Print(output.SectionHeader("suggested payments"))
		for _, t := range report.Transfers {
			fmt.Printf("  %s pays %s %s\n", t.FromName, t.ToName, settle.FormatCents(t.AmountCents))
		}
	}

	for _, s := range report.Skipped {
		output.Warning("skipped expense %s: %s", output.ShortUUID(s.RecordUUID), s.Reason)
	}
}

func init() {
	rootCmd.AddCommand(balancesCmd)

	balancesCmd.Flags().String("group", "", "Only expenses of this group")
	balancesCmd.Flags().Bool("json", false, "Output as JSON")
}
