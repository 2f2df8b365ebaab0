package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/blockvault/s3vfs/internal/logger"
	"github.com/blockvault/s3vfs/pkg/config"
	"github.com/blockvault/s3vfs/pkg/fsstate"
)

var (
	mountAllowNeedsFsck bool
	mountPidFile        string
)

var mountCmd = &cobra.Command{
	Use:   "mount",
	Short: "Mount the filesystem and run its commit protocol in the foreground",
	Long: `mount performs the sequence-number handshake against the backend,
restoring the metadata dump if a prior session left one, then blocks
until interrupted. On shutdown it flushes every dirty block, cycles the
metadata generations, and releases local resources.

mount does not attach a FUSE request surface or resolve paths; it brings
the block management core up for an embedding process to drive through
the Go API.`,
	RunE: runMount,
}

func init() {
	mountCmd.Flags().BoolVar(&mountAllowNeedsFsck, "allow-needs-fsck", false,
		"mount even if the sequence-number handshake detects an unclean shutdown")
	mountCmd.Flags().StringVar(&mountPidFile, "pid-file", "", "write the process pid here for blockfs umount to signal")
}

func runMount(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fs, err := fsstate.Mount(ctx, cfg, fsstate.MountOptions{AllowNeedsFsck: mountAllowNeedsFsck})
	if err != nil {
		if errors.Is(err, fsstate.ErrNeedsFsck) {
			return fmt.Errorf("%w\nrun 'blockfs fsck' before mounting, or pass --allow-needs-fsck to proceed anyway", err)
		}
		return fmt.Errorf("mount: %w", err)
	}

	if mountPidFile != "" {
		if err := os.MkdirAll(filepath.Dir(mountPidFile), 0o755); err != nil {
			return fmt.Errorf("create pid file directory: %w", err)
		}
		if err := os.WriteFile(mountPidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer os.Remove(mountPidFile)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("filesystem mounted, press Ctrl+C to unmount")
	<-sigCh
	signal.Stop(sigCh)
	logger.Info("unmount signal received, flushing and cycling metadata")

	if err := fs.Unmount(ctx); err != nil {
		return fmt.Errorf("unmount: %w", err)
	}
	logger.Info("unmounted cleanly")
	return nil
}
