package commands

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var umountPidFile string

var umountCmd = &cobra.Command{
	Use:   "umount",
	Short: "Signal a running 'blockfs mount' process to unmount cleanly",
	Long: `umount sends SIGTERM to the pid recorded by a prior 'blockfs mount
--pid-file <path>', triggering the same flush-drain-cycle shutdown a
Ctrl+C would. It does not itself touch the metadata store or backend.`,
	RunE: runUmount,
}

func init() {
	umountCmd.Flags().StringVar(&umountPidFile, "pid-file", "", "pid file written by 'blockfs mount --pid-file'")
}

func runUmount(cmd *cobra.Command, args []string) error {
	if umountPidFile == "" {
		return fmt.Errorf("--pid-file is required: pass the same path given to 'blockfs mount'")
	}

	data, err := os.ReadFile(umountPidFile)
	if err != nil {
		return fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("parse pid file: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find mount process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal mount process %d: %w", pid, err)
	}

	fmt.Printf("Sent unmount signal to pid %d\n", pid)
	return nil
}
