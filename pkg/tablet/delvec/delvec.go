// Copyright 2023 Vostok DB
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package delvec

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"

	"github.com/vostokdb/vostok/pkg/tablet/types"
)

// DelVector marks row ids of one segment as logically deleted as of a
// version.
type DelVector struct {
	version types.Version
	mask    *roaring.Bitmap
}

func NewDelVector(version types.Version) *DelVector {
	return &DelVector{version: version, mask: roaring.New()}
}

func (dv *DelVector) Add(row uint32) {
	dv.mask.Add(row)
}

func (dv *DelVector) IsDeleted(row uint32) bool {
	return dv.mask.Contains(row)
}

func (dv *DelVector) Cardinality() uint64 {
	return dv.mask.GetCardinality()
}

func (dv *DelVector) Version() types.Version {
	return dv.version
}

// Merge folds other into dv, keeping the newer version token.
func (dv *DelVector) Merge(other *DelVector) {
	dv.mask.Or(other.mask)
	if other.version > dv.version {
		dv.version = other.version
	}
}

func (dv *DelVector) String() string {
	return fmt.Sprintf("DelVec<%s,cnt=%d>", dv.version, dv.Cardinality())
}

// SegmentDelete pairs a segment reference with new deletion markers
// produced by one finalize.
type SegmentDelete struct {
	Ref types.SegmentRef
	Del *DelVector
}
