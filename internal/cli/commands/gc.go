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
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"flashfs/internal/common"
	"flashfs/internal/dev"
	"flashfs/internal/engine"
)

var (
	gcSections uint32
	gcPolicy   string
)

var gcCmd = &cobra.Command{
	Use:   "gc <image>",
	Short: "Reclaim fragmented sections of an image",
	Long: `Mount an image, run garbage collection until the free-section target is
reached, and unmount. Victim sections are chosen by the scoring policy and
their live blocks migrated to the cold logs.

Examples:
  flashfs gc disk.img --sections 8
  flashfs gc disk.img --policy cost-benefit`,
	Args: cobra.ExactArgs(1),
	RunE: runGC,
}

func init() {
	rootCmd.AddCommand(gcCmd)
	gcCmd.Flags().Uint32Var(&gcSections, "sections", 0, "Free-section target (0 uses current free count + 1)")
	gcCmd.Flags().StringVar(&gcPolicy, "policy", "", "Victim policy: greedy or cost-benefit (default from settings)")
}

func runGC(cmd *cobra.Command, args []string) error {
	d, err := dev.OpenFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}

	settings, err := LoadSettings()
	if err != nil {
		d.Close()
		return err
	}
	opts := settings.MountOptions()
	opts.BackgroundGC = false
	if gcPolicy != "" {
		opts.Policy = gcPolicy
	}

	fs, err := engine.Mount(d, opts)
	if err != nil {
		d.Close()
		return fmt.Errorf("mount failed: %w", err)
	}

	target := gcSections
	if target == 0 {
		target = fs.GetStats().FreeSections + 1
	}

	collected, err := fs.GC(target)
	if err != nil && !errors.Is(err, common.ErrNoVictim) {
		fs.Unmount()
		return fmt.Errorf("gc failed: %w", err)
	}
	if errors.Is(err, common.ErrNoVictim) {
		fmt.Printf("Collected %d section(s); no further victims available.\n", collected)
	} else {
		fmt.Printf("Collected %d section(s).\n", collected)
	}

	stats := fs.GetStats()
	fmt.Printf("Free: %d segments, %d sections\n", stats.FreeSegments, stats.FreeSections)
	return fs.Unmount()
}
