package commands

import (
	"context"
	"fmt"

	"github.com/marmos91/ldlmclient/pkg/dlm/lock"
	"github.com/marmos91/ldlmclient/pkg/dlm/mode"
	"github.com/marmos91/ldlmclient/pkg/dlmclient"
	"github.com/spf13/cobra"
)

var lockResourceName string
var lockMode string

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Acquire a lock against the mock transport and print its handle",
	Long: `lock issues a single PLAIN-type ENQUEUE against the mock transport,
which grants immediately, and prints the resulting local handle.

Since the mock transport never persists state across invocations, this is
useful for inspecting the engine's reply-reconciliation path (flags, handle
assignment) rather than for scripting a long-lived session.`,
	RunE: runLock,
}

func init() {
	lockCmd.Flags().StringVar(&lockResourceName, "resource", "demo-resource", "resource name to lock")
	lockCmd.Flags().StringVar(&lockMode, "mode", "EX", "lock mode: NL, CR, CW, PR, PW, EX, GROUP")
}

func runLock(cmd *cobra.Command, args []string) error {
	m, err := parseMode(lockMode)
	if err != nil {
		return err
	}

	c, err := newDemoClient()
	if err != nil {
		return err
	}

	handle, err := c.Lock(context.Background(), dlmclient.LockParams{
		ResourceID: resourceIDFromName(lockResourceName),
		Type:       lock.PLAIN,
		Mode:       m,
	})
	if err != nil {
		return fmt.Errorf("lock: %w", err)
	}

	fmt.Printf("handle=%#x resource=%q mode=%s\n", handle, lockResourceName, m)
	return nil
}

func parseMode(s string) (mode.Mode, error) {
	switch s {
	case "NL":
		return mode.NL, nil
	case "CR":
		return mode.CR, nil
	case "CW":
		return mode.CW, nil
	case "PR":
		return mode.PR, nil
	case "PW":
		return mode.PW, nil
	case "EX":
		return mode.EX, nil
	case "GROUP":
		return mode.GROUP, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s)
	}
}

// resourceIDFromName hashes name into a ResourceID's first name slot, a
// stand-in for whatever real resource-naming scheme a filesystem or
// database layer would use on top of this engine.
func resourceIDFromName(name string) lock.ResourceID {
	var h uint64
	for _, b := range []byte(name) {
		h = h*31 + uint64(b)
	}
	return lock.ResourceID{Type: lock.PLAIN, Name: [4]uint64{h}}
}
