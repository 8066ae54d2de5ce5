// Copyright 2025 FlashFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"flashfs/internal/dev"
	"flashfs/internal/engine"
	"flashfs/internal/layout"
)

var (
	mkfsBlocks      uint32
	mkfsLogBlocks   uint32
	mkfsSegsPerSec  uint32
	mkfsSecsPerZone uint32
	mkfsForce       bool
)

var mkfsCmd = &cobra.Command{
	Use:   "mkfs <image>",
	Short: "Create a flashfs image",
	Long: `Create and format a flashfs image file.

The image is laid out as checkpoint packs, NAT/SIT tables, the summary area
and the main log area, with an empty root inode in the warm node log.

Examples:
  flashfs mkfs disk.img --blocks 262144
  flashfs mkfs small.img --blocks 8192 --log-blocks-per-seg 6`,
	Args: cobra.ExactArgs(1),
	RunE: runMkfs,
}

func init() {
	rootCmd.AddCommand(mkfsCmd)
	mkfsCmd.Flags().Uint32Var(&mkfsBlocks, "blocks", 262144, "Image size in 4 KiB blocks")
	mkfsCmd.Flags().Uint32Var(&mkfsLogBlocks, "log-blocks-per-seg", 9, "Log2 of blocks per segment (max 9)")
	mkfsCmd.Flags().Uint32Var(&mkfsSegsPerSec, "segs-per-sec", 1, "Segments per section")
	mkfsCmd.Flags().Uint32Var(&mkfsSecsPerZone, "secs-per-zone", 1, "Sections per zone")
	mkfsCmd.Flags().BoolVarP(&mkfsForce, "force", "f", false, "Overwrite an existing image")
}

func runMkfs(cmd *cobra.Command, args []string) error {
	path := args[0]
	if _, err := os.Stat(path); err == nil {
		if !mkfsForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove existing image: %w", err)
		}
	}

	d, err := dev.CreateFile(path, mkfsBlocks)
	if err != nil {
		return fmt.Errorf("failed to create image: %w", err)
	}
	defer d.Close()

	sb, err := engine.Format(d, engine.FormatOptions{
		LogBlocksPerSeg: mkfsLogBlocks,
		SegsPerSec:      mkfsSegsPerSec,
		SecsPerZone:     mkfsSecsPerZone,
	})
	if err != nil {
		return fmt.Errorf("format failed: %w", err)
	}

	fmt.Printf("Created %s\n", path)
	fmt.Printf("  UUID:          %s\n", sb.UUID)
	fmt.Printf("  Total blocks:  %d (%d MiB)\n", sb.TotalBlocks,
		uint64(sb.TotalBlocks)*layout.BlockSize/(1<<20))
	fmt.Printf("  Segment size:  %d blocks\n", sb.BlocksPerSeg())
	fmt.Printf("  Main segments: %d\n", sb.MainSegCount)
	fmt.Printf("  Max nids:      %d\n", sb.MaxNid)
	return nil
}
