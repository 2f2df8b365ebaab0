package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blockvault/s3vfs/internal/bytesize"
	"github.com/blockvault/s3vfs/pkg/config"
)

var (
	mkfsBlocksize string
	mkfsLabel     string
	mkfsPlain     bool
	mkfsForce     bool
)

var mkfsCmd = &cobra.Command{
	Use:   "mkfs",
	Short: "Initialize a new filesystem: config file, local metadata store, and backend",
	Long: `mkfs writes a fresh config file at the chosen path, creates the local
metadata database with an empty schema, and (unless --plain is given)
clears the configured backend so it holds no stray objects from a prior
filesystem.`,
	RunE: runMkfs,
}

func init() {
	mkfsCmd.Flags().StringVar(&mkfsBlocksize, "blocksize", "128KiB", "fixed block size for this filesystem")
	mkfsCmd.Flags().StringVarP(&mkfsLabel, "label", "L", "", "human-readable filesystem label")
	mkfsCmd.Flags().BoolVar(&mkfsPlain, "plain", false, "skip clearing the backend (assume it is already empty)")
	mkfsCmd.Flags().BoolVar(&mkfsForce, "force", false, "overwrite an existing config file")
}

func runMkfs(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}
	if _, err := os.Stat(configPath); err == nil && !mkfsForce {
		return fmt.Errorf("config file already exists at %s, use --force to overwrite", configPath)
	}

	blocksize, err := bytesize.ParseByteSize(mkfsBlocksize)
	if err != nil {
		return fmt.Errorf("invalid --blocksize: %w", err)
	}

	cfg := config.DefaultConfig()
	cfg.Blocksize = blocksize
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := config.SaveConfig(cfg, configPath); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	store, err := config.CreateMetastore(cfg.Metastore)
	if err != nil {
		return fmt.Errorf("create metadata store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.SetBlocksize(ctx, uint32(blocksize.Uint64())); err != nil {
		return fmt.Errorf("set blocksize: %w", err)
	}
	if mkfsLabel != "" {
		if err := store.SetLabel(ctx, mkfsLabel); err != nil {
			return fmt.Errorf("set label: %w", err)
		}
	}

	if !mkfsPlain {
		be, err := config.CreateBackend(ctx, cfg.Backend)
		if err != nil {
			return fmt.Errorf("create backend: %w", err)
		}
		if err := be.Clear(ctx); err != nil {
			return fmt.Errorf("clear backend: %w", err)
		}
	}

	fmt.Printf("Filesystem initialized.\n  Config:    %s\n  Metastore: %s\n  Blocksize: %s\n",
		configPath, cfg.Metastore.Path, blocksize)
	return nil
}
