package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/output"
	"github.com/maren/divvy/internal/syncconfig"
	"github.com/maren/divvy/internal/workdir"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:     "init",
	Short:   "Initialize a new divvy ledger",
	Long: `Creates the local .divvy directory with the ledger database and this
device's signing identity, and registers you as the ledger's first person.`,
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		baseDir := getBaseDir()

		// Check if already initialized
		if _, err := os.Stat(filepath.Join(baseDir, workdir.LedgerDir)); err == nil {
			output.Warning(".divvy/ already exists")
			return nil
		}

		name, _ := cmd.Flags().GetString("name")
		deviceName, _ := cmd.Flags().GetString("device")
		if name == "" {
			name = defaultPersonName()
		}
		if deviceName == "" {
			deviceName = defaultDeviceName()
		}

		personUUID, deviceID, err := initLedger(baseDir, name, deviceName)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		fmt.Println("INITIALIZED .divvy/")
		fmt.Printf("Person: %s (%s)\n", name, output.ShortUUID(personUUID))
		fmt.Printf("Device: %s (%s)\n", deviceName, deviceID)
		fmt.Println()
		fmt.Println("Running solo. Pair another device with 'divvy pair invite'.")

		// Keep the ledger out of version control when inited inside a repo
		if _, err := os.Stat(filepath.Join(baseDir, ".git")); err == nil {
			addToGitignore(filepath.Join(baseDir, ".gitignore"))
		}

		return nil
	},
}

// initLedger creates the database and identity, then bootstraps the ring
// of one. Returns the person uuid and device id.
func initLedger(baseDir, personName, deviceName string) (string, string, error) {
	database, err := db.Initialize(baseDir)
	if err != nil {
		return "", "", fmt.Errorf("initialize database: %w", err)
	}
	defer database.Close()

	ident, err := syncconfig.GenerateIdentity(deviceName)
	if err != nil {
		return "", "", fmt.Errorf("generate identity: %w", err)
	}
	if err := syncconfig.SaveIdentity(baseDir, ident); err != nil {
		return "", "", fmt.Errorf("save identity: %w", err)
	}

	led, err := wireLedger(database, baseDir)
	if err != nil {
		return "", "", err
	}

	personUUID, err := led.ring.Bootstrap(personName)
	if err != nil {
		return "", "", err
	}
	return personUUID, ident.DeviceID, nil
}

func defaultPersonName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "me"
}

func defaultDeviceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "device"
	}
	return host
}

func addToGitignore(path string) {
	// Read existing content
	content, _ := os.ReadFile(path)
	contentStr := string(content)

	// Check if already present
	if strings.Contains(contentStr, ".divvy/") {
		return
	}

	// Append to file
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()

	// Add newline if file doesn't end with one
	if len(contentStr) > 0 && !strings.HasSuffix(contentStr, "\n") {
		f.WriteString("\n")
	}

	f.WriteString(".divvy/\n")
	fmt.Println("Added .divvy/ to .gitignore")
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().String("name", "", "Your name in the ledger (default: $USER)")
	initCmd.Flags().String("device", "", "Name for this device (default: hostname)")
}
