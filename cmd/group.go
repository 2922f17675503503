package cmd

import (
	"fmt"
	"slices"

	"github.com/maren/divvy/internal/models"
	"github.com/maren/divvy/internal/output"
	"github.com/spf13/cobra"
)

var groupCmd = &cobra.Command{
	Use:     "group",
	Short:   "Manage expense groups and their keys",
	GroupID: "sharing",
}

var groupCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a group with its own encryption key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer led.Close()

		memberRefs, _ := cmd.Flags().GetStringArray("member")
		members, err := resolveMembers(led, memberRefs)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		// The creator is always a member
		self, err := led.db.SelfPerson()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if self != nil && !slices.Contains(members, self.UUID) {
			members = append([]string{self.UUID}, members...)
		}

		groupUUID, err := led.keys.Create(args[0], members)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		output.Success("Created group %s (%s)", args[0], output.ShortUUID(groupUUID))
		return nil
	},
}

var groupListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer led.Close()

		showAll, _ := cmd.Flags().GetBool("all")
		groups, err := led.db.ListGroups(showAll)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		jsonOut, _ := cmd.Flags().GetBool("json")
		if jsonOut {
			return output.JSON(groups)
		}

		for i := range groups {
			fmt.Println(output.FormatGroupLine(&groups[i], memberNames(led, &groups[i])))
		}
		if len(groups) == 0 {
			fmt.Println("No groups")
		}
		return nil
	},
}

var groupRotateKeyCmd = &cobra.Command{
	Use:   "rotate-key <group>",
	Short: "Mint a new key for a group",
	Long: `Mints a fresh encryption key for the group. Entries published from now
on use the new key; already published history stays readable to everyone
who held the old key.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer led.Close()

		group, err := groupByRef(led.db, args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if err := led.keys.Rotate(group.UUID); err != nil {
			output.Error("%v", err)
			return err
		}

		output.Success("Rotated key for group %s", group.Name)
		fmt.Println("The new key reaches members on their next sync.")
		return nil
	},
}

var groupForkCmd = &cobra.Command{
	Use:   "fork <group>",
	Short: "Fork a group without some of its members",
	Long: `Creates a new group from an existing one, leaving out the named people.
The fork gets a fresh key the excluded people never receive, so entries
booked under the fork are invisible to them. The original group and its
history are untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer led.Close()

		group, err := groupByRef(led.db, args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}

		excludeRefs, _ := cmd.Flags().GetStringArray("exclude")
		if len(excludeRefs) == 0 {
			output.Error("--exclude names at least one person to leave out")
			return fmt.Errorf("--exclude required")
		}
		exclude, err := resolveMembers(led, excludeRefs)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		forkUUID, err := led.keys.Fork(group.UUID, exclude)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		fork, err := led.db.GetGroup(forkUUID)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		output.Success("Forked %s into %s (%s)", group.Name, fork.Name, output.ShortUUID(forkUUID))
		return nil
	},
}

// resolveMembers turns person names or uuid prefixes into person uuids.
func resolveMembers(led *ledger, refs []string) ([]string, error) {
	uuids := make([]string, 0, len(refs))
	for _, ref := range refs {
		p, err := personByRef(led.db, ref)
		if err != nil {
			return nil, err
		}
		uuids = append(uuids, p.UUID)
	}
	return uuids, nil
}

// memberNames maps a group's member uuids to person names for display.
func memberNames(led *ledger, g *models.Group) []string {
	names := make([]string, 0, len(g.MemberUUIDs))
	for _, uuid := range g.MemberUUIDs {
		p, err := led.db.GetPerson(uuid)
		if err != nil || p == nil {
			names = append(names, output.ShortUUID(uuid))
			continue
		}
		names = append(names, p.Name)
	}
	return names
}

func init() {
	rootCmd.AddCommand(groupCmd)
	groupCmd.AddCommand(groupCreateCmd)
	groupCmd.AddCommand(groupListCmd)
	groupCmd.AddCommand(groupRotateKeyCmd)
	groupCmd.AddCommand(groupForkCmd)

	groupCreateCmd.Flags().StringArray("member", nil, "Member person (name or uuid), repeatable")
	groupListCmd.Flags().Bool("all", false, "Include removed groups")
	groupListCmd.Flags().Bool("json", false, "Output as JSON")
	groupForkCmd.Flags().StringArray("exclude", nil, "Person to leave out (name or uuid), repeatable")
}
