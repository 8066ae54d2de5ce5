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

package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashfs/internal/common"
)

func TestVictimPolicies(t *testing.T) {
	t.Run("greedy prefers the emptiest section", func(t *testing.T) {
		p := greedyPolicy{}
		assert.Less(t, p.Cost(3, 64, 0, 100), p.Cost(40, 64, 0, 100))
		assert.Equal(t, uint64(0), p.Cost(0, 64, 0, 100))
	})

	t.Run("cost-benefit weighs age in", func(t *testing.T) {
		p := costBenefitPolicy{}
		// Same utilization, older section wins.
		old := p.Cost(32, 64, 100, 10000)
		young := p.Cost(32, 64, 9900, 10000)
		assert.Less(t, old, young)
		// Same age, emptier section wins.
		empty := p.Cost(8, 64, 100, 10000)
		full := p.Cost(56, 64, 100, 10000)
		assert.Less(t, empty, full)
		// A clock that went backwards must not overflow.
		assert.Equal(t, uint64(math.MaxUint64), p.Cost(32, 64, 10000, 100))
	})

	t.Run("unknown policy name falls back to greedy", func(t *testing.T) {
		assert.Equal(t, PolicyGreedy, policyByName("bogus").Name())
		assert.Equal(t, PolicyCostBenefit, policyByName(PolicyCostBenefit).Name())
	})
}

func TestGC(t *testing.T) {
	t.Run("no victim on a clean volume", func(t *testing.T) {
		fs, _ := newTestFS(t)
		defer fs.Unmount()

		_, err := fs.GC(fs.sb.SectionCount())
		require.ErrorIs(t, err, common.ErrNoVictim)
	})

	t.Run("reclaims fragmented sections and preserves live data", func(t *testing.T) {
		fs, _ := newTestFS(t)
		defer fs.Unmount()
		bps := int(fs.sb.BlocksPerSeg())

		// Interleave several files across segments, then delete every
		// other one to fragment the log.
		var inos []uint32
		for f := 0; f < 6; f++ {
			inos = append(inos, writeFile(t, fs, bps/2, byte(0x10*(f+1))))
		}
		for f := 0; f < 6; f += 2 {
			require.NoError(t, fs.UnlinkInode(inos[f], false))
		}
		require.NoError(t, fs.Checkpoint())

		freeBefore := fs.sm.freeSecCount()
		collected, err := fs.GC(freeBefore + 1)
		require.NoError(t, err)
		assert.Greater(t, collected, 0)
		assert.GreaterOrEqual(t, fs.sm.freeSecCount(), freeBefore+1)

		for f := 1; f < 6; f += 2 {
			requireFile(t, fs, inos[f], bps/2, byte(0x10*(f+1)))
		}
	})

	t.Run("migration moves node segments too", func(t *testing.T) {
		fs, d := newTestFS(t)
		bps := int(fs.sb.BlocksPerSeg())

		// Many small files put many inodes in the warm-node log.
		var inos []uint32
		for f := 0; f < 2*bps; f++ {
			ino, err := fs.NewInode()
			require.NoError(t, err)
			require.NoError(t, fs.WriteDataBlock(ino, 0, fillBlock(byte(f))))
			inos = append(inos, ino)
		}
		require.NoError(t, fs.Checkpoint())
		for f := 0; f < 2*bps; f += 2 {
			require.NoError(t, fs.UnlinkInode(inos[f], false))
		}
		require.NoError(t, fs.Checkpoint())

		free := fs.sm.freeSecCount()
		if _, err := fs.GC(free + 1); err != nil {
			require.ErrorIs(t, err, common.ErrNoVictim)
		}

		// Everything still resolves after migration and a remount.
		fs = remount(t, fs, d)
		defer fs.Unmount()
		for f := 1; f < 2*bps; f += 2 {
			requireBlock(t, fs, inos[f], 0, byte(f))
		}
	})

	t.Run("background loop starts and stops cleanly", func(t *testing.T) {
		d := newTestDevice(t)
		opts := DefaultMountOptions()
		opts.BackgroundGC = true
		fs, err := Mount(d, opts)
		require.NoError(t, err)

		fs.gc.startBackground() // double start is a no-op
		require.NoError(t, fs.Unmount())
		fs.gc.stopBackground() // double stop is a no-op
	})
}
