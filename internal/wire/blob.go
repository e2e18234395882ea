/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package wire

import (
	"encoding/binary"

	"github.com/pierrec/lz4/v4"
	"lukechampine.com/blake3"

	jerrors "jmapraft/internal/errors"
	"jmapraft/internal/types"
)

// CompressBlob LZ4-compresses raw, prefixed with the uncompressed size
// as a big-endian u32, the framing the Blob update variant uses on the
// wire.
func CompressBlob(raw []byte) ([]byte, error) {
	compressed := make([]byte, lz4.CompressBlockBound(len(raw)))
	var c lz4.Compressor
	n, err := c.CompressBlock(raw, compressed)
	if err != nil {
		return nil, jerrors.StoreCorruption("lz4 compress blob", err)
	}
	out := make([]byte, 4+n)
	binary.BigEndian.PutUint32(out[:4], uint32(len(raw)))
	if n == 0 && len(raw) > 0 {
		// Incompressible input: lz4 block compression returns n == 0.
		// Fall back to storing raw bytes with a size prefix equal to
		// the stored length so DecompressBlob can detect this case.
		binary.BigEndian.PutUint32(out[:4], uint32(len(raw)))
		out = append(out[:4], raw...)
		return out, nil
	}
	copy(out[4:], compressed[:n])
	return out, nil
}

// DecompressBlob reverses CompressBlob, validating that the decoded
// size matches the prefix and that the content hashes to blobID
// (invariant I6's "store adapter never holds a blob under the wrong
// id" counterpart on the receiving side).
func DecompressBlob(framed []byte, blobID types.BlobId) ([]byte, error) {
	if len(framed) < 4 {
		return nil, jerrors.ProtocolDivergence("blob frame shorter than size prefix")
	}
	size := binary.BigEndian.Uint32(framed[:4])
	body := framed[4:]

	raw := make([]byte, size)
	n, err := lz4.UncompressBlock(body, raw)
	if err != nil || uint32(n) != size {
		// Not a valid LZ4 block: treat as the raw-fallback path used
		// for incompressible input in CompressBlob.
		if uint32(len(body)) == size {
			raw = body
		} else {
			return nil, jerrors.StoreCorruption("lz4 decompress blob", err)
		}
	}

	sum := blake3.Sum256(raw)
	if sum != blobID.Hash || uint32(len(raw)) != blobID.Size {
		return nil, jerrors.StoreCorruption("blob content does not match its content address", nil)
	}
	return raw, nil
}

// HashBlob computes the BlobId a piece of content addresses to.
func HashBlob(raw []byte, isLocal bool) types.BlobId {
	return types.BlobId{Hash: blake3.Sum256(raw), Size: uint32(len(raw)), IsLocal: isLocal}
}
