package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/maren/divvy/internal/models"
	"github.com/maren/divvy/internal/output"
	"github.com/maren/divvy/internal/ring"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:     "devices",
	Aliases: []string{"device"},
	Short:   "List and manage ring devices",
	GroupID: "sharing",
}

var devicesListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List devices in the ring",
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer led.Close()

		all, _ := cmd.Flags().GetBool("all")
		devices, err := led.db.ListDevices(all)
		if err != nil {
			output.Error("list devices: %v", err)
			return err
		}

		jsonOut, _ := cmd.Flags().GetBool("json")
		if jsonOut {
			return output.JSON(devices)
		}

		names, err := personNames(led)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		for i := range devices {
			d := &devices[i]
			fmt.Println(output.FormatDeviceLine(d, names[d.PersonUUID], d.DeviceID == led.ident.DeviceID))
		}
		if len(devices) == 0 {
			output.Info("no devices yet; run 'divvy init' first")
		}
		return nil
	},
}

var devicesRemoveCmd = &cobra.Command{
	Use:     "remove <device-id>",
	Aliases: []string{"rm"},
	Short:   "Remove a device from the ring and rotate group keys",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer led.Close()

		err = led.ring.RemoveDevice(args[0])
		switch {
		case errors.Is(err, ring.ErrSelfRemoval):
			output.Error("cannot remove this device; use 'divvy devices leave'")
			return err
		case err != nil:
			output.Error("remove device: %v", err)
			return err
		}

		output.Success("Removed device %s", args[0])
		fmt.Println("Group keys were rotated. Peers pick up the removal and the new keys on their next sync.")
		return nil
	},
}

var devicesLeaveCmd = &cobra.Command{
	Use:   "leave",
	Short: "Remove this device from the ring and go solo",
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer led.Close()

		force, _ := cmd.Flags().GetBool("force")
		if !force {
			reader := bufio.NewReader(os.Stdin)
			fmt.Print("Leave the ring? This device keeps its local ledger but stops syncing. [y/N] ")
			line, _ := reader.ReadString('\n')
			line = strings.TrimSpace(strings.ToLower(line))
			if line != "y" && line != "yes" {
				output.Warning("leave cancelled")
				return nil
			}
		}

		// Best-effort farewell publish so peers learn about the removal
		// without waiting for the absence timeout.
		finalPublish := func() error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			eng, err := led.engine(ctx)
			if err != nil {
				return err
			}
			return eng.ManualSync(ctx)
		}

		if err := led.ring.SelfRemove(finalPublish); err != nil {
			output.Error("leave ring: %v", err)
			return err
		}

		output.Success("Left the ring")
		fmt.Printf("Now %s. The local ledger stays intact.\n", output.FormatMode(models.ModeSolo))
		return nil
	},
}

// personNames maps person UUID to display name, removed persons included
// so old devices still render with their owner.
func personNames(led *ledger) (map[string]string, error) {
	persons, err := led.db.ListPersons(true)
	if err != nil {
		return nil, fmt.Errorf("list persons: %w", err)
	}
	names := make(map[string]string, len(persons))
	for _, p := range persons {
		names[p.UUID] = p.Name
	}
	return names, nil
}

func init() {
	rootCmd.AddCommand(devicesCmd)
	devicesCmd.AddCommand(devicesListCmd)
	devicesCmd.AddCommand(devicesRemoveCmd)
	devicesCmd.AddCommand(devicesLeaveCmd)

	devicesListCmd.Flags().Bool("all", false, "Include removed devices")
	devicesListCmd.Flags().Bool("json", false, "Output as JSON")
	devicesLeaveCmd.Flags().BoolP("force", "f", false, "Skip confirmation prompt")
}
