package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/maren/divvy/internal/engine"
	"github.com/maren/divvy/internal/output"
	"github.com/maren/divvy/internal/workdir"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var pairCmd = &cobra.Command{
	Use:     "pair",
	Short:   "Pair devices into a shared ledger",
	GroupID: "sharing",
}

var pairInviteCmd = &cobra.Command{
	Use:   "invite",
	Short: "Publish an invite for a new device",
	Long: `Publishes an encrypted invite on the storage provider and prints a
one-time passphrase. Hand the passphrase to the joining device over any
channel you trust; nothing else ever leaves this machine in the clear.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer led.Close()

		eng, err := led.engine(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}

		personUUID := ""
		if ref, _ := cmd.Flags().GetString("person"); ref != "" {
			p, err := personByRef(led.db, ref)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			personUUID = p.UUID
		}

		passphrase, err := eng.CreateInvite(cmd.Context(), personUUID)
		if err != nil {
			output.Error("create invite: %v", err)
			return err
		}

		output.Success("Invite published")
		fmt.Printf("\n  Passphrase: %s\n\n", passphrase)
		fmt.Println("On the new device, run 'divvy pair accept' and enter the passphrase.")

		if noWait, _ := cmd.Flags().GetBool("no-wait"); noWait {
			fmt.Println("Run 'divvy sync --now' after the device joins.")
			return nil
		}

		wait, _ := cmd.Flags().GetDuration("wait")
		fmt.Println("Waiting for the device to join (Ctrl-C to stop waiting)...")

		ctx, cancel := context.WithTimeout(cmd.Context(), wait)
		defer cancel()
		deviceID, err := eng.WaitForAcceptance(ctx, passphrase)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				output.Warning("no device joined yet; the invite stays published, sync later to pick the device up")
				return nil
			}
			output.Error("wait for acceptance: %v", err)
			return err
		}

		output.Success("Device %s joined the ring", deviceID)

		// Pull the joiner's announce mutations right away so it shows up
		// in 'divvy devices list' without an extra manual sync.
		syncCtx, syncCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer syncCancel()
		if err := eng.ManualSync(syncCtx); err != nil {
			output.Warning("initial sync after join failed: %v", err)
		}
		return nil
	},
}

var pairAcceptCmd = &cobra.Command{
	Use:   "accept [passphrase]",
	Short: "Join an existing ledger with an invite passphrase",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseDir := getBaseDir()
		if _, err := os.Stat(filepath.Join(baseDir, workdir.LedgerDir)); err == nil {
			err := fmt.Errorf("a ledger already exists in %s", baseDir)
			output.Error("%v", err)
			return err
		}

		passphrase := ""
		if len(args) == 1 {
			passphrase = args[0]
		} else {
			p, err := promptPassphrase()
			if err != nil {
				output.Error("%v", err)
				return err
			}
			passphrase = p
		}
		passphrase = strings.TrimSpace(passphrase)
		if passphrase == "" {
			err := fmt.Errorf("passphrase required")
			output.Error("%v", err)
			return err
		}

		deviceName, _ := cmd.Flags().GetString("device")
		if deviceName == "" {
			deviceName = defaultDeviceName()
		}

		provider, err := openProvider(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}

		res, err := engine.AcceptInvite(cmd.Context(), provider, baseDir, deviceName, passphrase, newLogger())
		switch {
		case errors.Is(err, engine.ErrInviteNotFound):
			output.Error("no invite found; check the passphrase and that both devices use the same storage")
			return err
		case errors.Is(err, engine.ErrBadPassphrase):
			output.Error("%v", err)
			return err
		case err != nil:
			output.Error("accept invite: %v", err)
			return err
		}

		output.Success("Joined %s's ledger", res.PersonName)
		fmt.Printf("Device: %s (%s)\n", deviceName, res.DeviceID)
		fmt.Printf("Peers: %d\n", res.Peers)
		fmt.Println()
		fmt.Println("Run 'divvy sync --now' to catch up on the latest entries.")
		return nil
	},
}

// promptPassphrase reads the passphrase without echo when stdin is a
// terminal, so it does not land in scrollback or screen shares.
func promptPassphrase() (string, error) {
	fmt.Print("Passphrase: ")
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("read passphrase: %w", err)
		}
		return string(raw), nil
	}

	var line string
	if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return line, nil
}

func init() {
	rootCmd.AddCommand(pairCmd)
	pairCmd.AddCommand(pairInviteCmd)
	pairCmd.AddCommand(pairAcceptCmd)

	pairInviteCmd.Flags().String("person", "", "Invite a device for this person instead of yourself")
	pairInviteCmd.Flags().Bool("no-wait", false, "Print the passphrase and exit without waiting")
	pairInviteCmd.Flags().Duration("wait", 10*time.Minute, "How long to wait for the device to join")
	pairAcceptCmd.Flags().String("device", "", "Name for this device (default: hostname)")
}
