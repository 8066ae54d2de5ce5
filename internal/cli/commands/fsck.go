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
)

var fsckCmd = &cobra.Command{
	Use:   "fsck <image>",
	Short: "Check an image for consistency",
	Long: `Verify a flashfs image offline: checkpoint pack integrity, the SIT
bitmap/count invariant and NAT-to-SIT cross references.

The image is only read. Exits non-zero when problems are found.

Examples:
  flashfs fsck disk.img`,
	Args: cobra.ExactArgs(1),
	RunE: runFsck,
}

func init() {
	rootCmd.AddCommand(fsckCmd)
}

func runFsck(cmd *cobra.Command, args []string) error {
	d, err := dev.OpenFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}
	defer d.Close()

	report, err := engine.Check(d)
	if err != nil {
		return fmt.Errorf("check failed: %w", err)
	}

	fmt.Printf("Checkpoint version %d (pack %d), clean umount: %v\n",
		report.CpVersion, report.Pack, report.CleanUmount)
	fmt.Printf("Main segments: %d, free: %d\n", report.MainSegments, report.FreeSegments)
	fmt.Printf("SIT valid blocks: %d, live NAT entries: %d\n", report.SitValid, report.NatLive)

	if !report.Ok() {
		for _, p := range report.Problems {
			fmt.Printf("PROBLEM: %s\n", p)
		}
		return fmt.Errorf("%d problem(s) found", len(report.Problems))
	}
	fmt.Println("No problems found.")
	return nil
}
