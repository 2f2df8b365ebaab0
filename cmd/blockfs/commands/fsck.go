package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blockvault/s3vfs/pkg/config"
	"github.com/blockvault/s3vfs/pkg/fsstate"
)

var fsckMaxDeletes int

var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "Check and repair the metadata store and backend object graph",
	Long: `fsck runs a structural integrity check on the local metadata store,
rebuilds block and object refcounts from the inode graph, sweeps
orphaned backend objects that rebuild identified, and renumbers inodes
if the id space has grown too large for downstream 32-bit consumers.

fsck does not check whether the filesystem is mounted; stop any running
'blockfs mount' process first.`,
	RunE: runFsck,
}

func init() {
	fsckCmd.Flags().IntVar(&fsckMaxDeletes, "max-deletes", 0, "max orphaned backend keys to delete in this pass (0 = unlimited)")
}

func runFsck(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := config.CreateMetastore(cfg.Metastore)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer store.Close()

	be, err := config.CreateBackend(ctx, cfg.Backend)
	if err != nil {
		return fmt.Errorf("create backend: %w", err)
	}

	report, err := fsstate.Fsck(ctx, store, be, fsstate.FsckOptions{Batch: fsckMaxDeletes})
	if err != nil {
		return fmt.Errorf("fsck: %w", err)
	}

	fmt.Printf("fsck complete.\n  Orphaned objects removed:      %d\n  Orphaned backend keys removed: %d\n  Inodes renumbered:             %v\n",
		report.OrphanedObjects, report.OrphanedBackendKeys, report.InodesRenumbered)
	return nil
}
