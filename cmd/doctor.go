package cmd

import (
	"errors"
	"fmt"

	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/models"
	"github.com/maren/divvy/internal/storage"
	"github.com/maren/divvy/internal/syncconfig"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:     "doctor",
	Short:   "Run diagnostic checks on the ledger and sync setup",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		runDoctor(cmd)
		return nil
	},
}

func runDoctor(cmd *cobra.Command) {
	baseDir := getBaseDir()

	// 1. Identity
	ident, err := syncconfig.LoadIdentity(baseDir)
	identOK := err == nil
	if identOK {
		fmt.Printf("Identity ............... OK (device %s)\n", ident.DeviceID)
	} else {
		fmt.Printf("Identity ............... FAIL (%v)\n", err)
	}

	// 2. Ledger database
	database, err := db.Open(baseDir)
	dbOK := err == nil
	if dbOK {
		defer database.Close()
		version, err := database.GetSchemaVersion()
		if err != nil {
			fmt.Printf("Ledger ................. FAIL (%v)\n", err)
			dbOK = false
		} else {
			fmt.Printf("Ledger ................. OK (schema v%d)\n", version)
		}
	} else {
		fmt.Printf("Ledger ................. FAIL (%v)\n", err)
	}

	// 3. Ring
	if !dbOK {
		fmt.Printf("Ring ................... SKIP\n")
	} else {
		mode, _ := database.GetMeta(db.MetaMode)
		devices, err := database.ListDevices(false)
		if err != nil {
			fmt.Printf("Ring ................... FAIL (%v)\n", err)
		} else if mode == string(models.ModeSynced) {
			fmt.Printf("Ring ................... OK (synced, %d devices)\n", len(devices))
		} else {
			fmt.Printf("Ring ................... OK (solo)\n")
		}
	}

	// 4. Storage config
	providerName := syncconfig.GetStorageProvider()
	fmt.Printf("Storage config ......... OK (%s)\n", providerName)

	// 5. Storage reachable: resolving our own pointer exercises the full
	// provider path; ErrNotFound just means nothing was published yet.
	storageOK := false
	provider, err := storage.Open(cmd.Context(), providerName)
	if err != nil {
		fmt.Printf("Storage reachable ...... FAIL (%v)\n", err)
	} else if !identOK {
		fmt.Printf("Storage reachable ...... SKIP\n")
	} else {
		self, err := ident.PublishIdentityHex()
		if err == nil {
			_, err = provider.Resolve(cmd.Context(), self)
		}
		if err == nil || errors.Is(err, storage.ErrNotFound) {
			storageOK = true
			fmt.Printf("Storage reachable ...... OK\n")
		} else {
			fmt.Printf("Storage reachable ...... FAIL (%v)\n", err)
		}
	}
	_ = storageOK

	// 6. Pending entries
	if !dbOK {
		fmt.Printf("Pending entries ........ SKIP\n")
	} else {
		pending, _, err := database.QueueStats()
		if err != nil {
			fmt.Printf("Pending entries ........ FAIL (%v)\n", err)
		} else {
			fmt.Printf("Pending entries ........ %d\n", pending)
		}
	}

	// 7. Open conflicts
	if !dbOK {
		fmt.Printf("Open conflicts ......... SKIP\n")
	} else {
		count, err := database.PendingConflictCount()
		if err != nil {
			fmt.Printf("Open conflicts ......... FAIL (%v)\n", err)
		} else if count > 0 {
			fmt.Printf("Open conflicts ......... WARN (%d, run 'divvy conflicts list')\n", count)
		} else {
			fmt.Printf("Open conflicts ......... 0\n")
		}
	}

	// 8. Malformed peer data
	if !dbOK {
		fmt.Printf("Malformed peer data .... SKIP\n")
	} else {
		reports, err := database.ListMalformedReports(10)
		if err != nil {
			fmt.Printf("Malformed peer data .... FAIL (%v)\n", err)
		} else if len(reports) > 0 {
			fmt.Printf("Malformed peer data .... WARN (%d reports, newest from %s)\n",
				len(reports), reports[0].PeerDeviceID)
		} else {
			fmt.Printf("Malformed peer data .... none\n")
		}
	}

	// 9. Removal suspicion
	if !dbOK {
		fmt.Printf("Removal suspicion ...... SKIP\n")
	} else {
		flag, _ := database.GetMeta(db.MetaPossiblyRemoved)
		if flag == "1" {
			fmt.Printf("Removal suspicion ...... WARN (peers stopped answering; this device may be removed)\n")
		} else {
			fmt.Printf("Removal suspicion ...... none\n")
		}
	}
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
