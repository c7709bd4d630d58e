// Copyright 2023-2024 The Stackwalk Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package aggregate

import (
	"github.com/polarmonk/stackwalk/pkg/walker"
)

const (
	hashSeed       = 123
	hashMultiplier = 0xc6a4a7935bd1e995
	hashShift      = 47
)

// HashStack hashes a fixed-size frame buffer with a murmur-style mix.
// The whole buffer participates, not just the live entries, so equal
// stacks hash equally only when the unused tail is equally zeroed; the
// walker hands out zeroed buffers, which preserves that.
func HashStack(addresses *[walker.MaxStackDepth]uint64, length int) uint64 {
	const m = uint64(hashMultiplier)

	hash := hashSeed ^ (uint64(length) * m)
	for _, addr := range addresses {
		k := addr
		k *= m
		k ^= k >> hashShift
		k *= m
		hash ^= k
		hash *= m
	}
	return hash
}
