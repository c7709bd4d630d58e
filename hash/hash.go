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

// Package hash provides keyed 64-bit hashing for executable identity.
// The key is fixed so identifiers are stable across restarts.
package hash

import (
	"encoding/hex"
	"hash"
	"io"
	"os"

	"github.com/minio/highwayhash"
)

var key = mustDecode("000102030405060708090A0B0C0D0E0FF0E0D0C0B0A090807060504030201000")

func mustDecode(key string) []byte {
	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		panic("Cannot decode hex key: " + err.Error())
	}
	return keyBytes
}

func newHash() (hash.Hash64, error) {
	h, err := highwayhash.New64(key)
	if err != nil {
		return nil, err
	}

	return h, nil
}

// File hashes the contents of the file at the given path.
func File(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h, err := newHash()
	if err != nil {
		return 0, err
	}

	_, err = io.Copy(h, f)
	return h.Sum64(), err
}
