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

	"github.com/spf13/cobra"

	"flashfs/internal/dev"
	"flashfs/internal/engine"
	"flashfs/internal/layout"
)

var infoCmd = &cobra.Command{
	Use:   "info <image>",
	Short: "Show superblock and checkpoint state of an image",
	Long: `Read the superblock and the newest valid checkpoint of a flashfs image
and print geometry, space accounting and the checkpoint state.

The image is only read; it does not need to be unmounted cleanly.

Examples:
  flashfs info disk.img`,
	Args: cobra.ExactArgs(1),
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	d, err := dev.OpenFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}
	defer d.Close()

	sb, header, pack, err := engine.Info(d)
	if err != nil {
		if sb != nil {
			printSuperblock(sb)
		}
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}

	printSuperblock(sb)

	fmt.Println("Checkpoint:")
	fmt.Printf("  Version:       %d (pack %d)\n", header.Version, pack)
	fmt.Printf("  Clean umount:  %v\n", header.HasFlag(layout.CpFlagUmount))
	if header.HasFlag(layout.CpFlagError) {
		fmt.Printf("  Error flag:    set\n")
	}
	fmt.Printf("  Valid blocks:  %d\n", header.ValidBlockCount)
	fmt.Printf("  Valid nodes:   %d (%d inodes)\n", header.ValidNodeCount, header.ValidInodeCount)
	fmt.Printf("  Free segments: %d\n", header.FreeSegCount)
	fmt.Printf("  Orphans:       %d\n", header.OrphanCount)
	fmt.Printf("  Next free nid: %d\n", header.NextFreeNid)
	return nil
}

func printSuperblock(sb *layout.Superblock) {
	fmt.Println("Superblock:")
	fmt.Printf("  UUID:          %s\n", sb.UUID)
	fmt.Printf("  Total blocks:  %d\n", sb.TotalBlocks)
	fmt.Printf("  Segment size:  %d blocks\n", sb.BlocksPerSeg())
	fmt.Printf("  Main area:     %d segments at block %d\n", sb.MainSegCount, sb.MainBlkaddr)
	fmt.Printf("  SIT:           2 copies of %d blocks at %d\n", sb.SitBlocks, sb.SitBlkaddr)
	fmt.Printf("  NAT:           2 copies of %d blocks at %d (max nid %d)\n", sb.NatBlocks, sb.NatBlkaddr, sb.MaxNid)
	fmt.Printf("  SSA:           at block %d\n", sb.SsaBlkaddr)
}
