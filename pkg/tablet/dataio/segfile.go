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

package dataio

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/pierrec/lz4"

	"github.com/vostokdb/vostok/pkg/common/verr"
	"github.com/vostokdb/vostok/pkg/container"
	"github.com/vostokdb/vostok/pkg/tablet/types"
)

// Segment and delta-column files share one layout:
//
//	magic(u32) formatVer(u16) ncols(u16) nrows(u32)
//	per column: origLen(u32) compLen(u32) payload
//
// compLen == 0 means the payload is stored raw (incompressible block).
// A column payload is offsets[(nrows+1) x u32] followed by cell data.
const (
	segMagic  uint32 = 0x56534547
	formatVer uint16 = 1
)

func SegmentFileName(rowsetID types.RowsetID, segID uint32) string {
	return fmt.Sprintf("%s_%d.dat", rowsetID, segID)
}

// DeltaFileName names a delta-column file scoped to an existing segment's
// identity and the version it became visible at.
func DeltaFileName(id types.SegmentIdentity, ver types.Version) string {
	return fmt.Sprintf("%s_%d_%d.col", id.UniqueRowsetID, id.SegmentID, int64(ver))
}

func encodeColumn(col *container.Column) []byte {
	offsets := col.Offsets()
	raw := make([]byte, 4*len(offsets)+len(col.Data()))
	for i, off := range offsets {
		binary.LittleEndian.PutUint32(raw[4*i:], off)
	}
	copy(raw[4*len(offsets):], col.Data())
	return raw
}

func decodeColumn(raw []byte, nrows uint32) (*container.Column, error) {
	offBytes := 4 * (int(nrows) + 1)
	if len(raw) < offBytes {
		return nil, verr.NewIO(context.TODO(), "column payload truncated: %d < %d", len(raw), offBytes)
	}
	offsets := make([]uint32, nrows+1)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint32(raw[4*i:])
	}
	return container.FromRaw(offsets, raw[offBytes:]), nil
}

// WriteSegment writes ck to path and reports the bytes written.
func WriteSegment(path string, ck *container.Chunk) (dataBytes int64, err error) {
	ctx := context.TODO()
	f, err := os.Create(path)
	if err != nil {
		return 0, verr.NewIO(ctx, "create %s: %v", path, err)
	}
	defer func() {
		cerr := f.Close()
		if err == nil && cerr != nil {
			err = verr.NewIO(ctx, "close %s: %v", path, cerr)
		}
		if err != nil {
			os.Remove(path)
		}
	}()

	w := bufio.NewWriter(f)
	hdr := make([]byte, 12)
	binary.LittleEndian.PutUint32(hdr[0:], segMagic)
	binary.LittleEndian.PutUint16(hdr[4:], formatVer)
	binary.LittleEndian.PutUint16(hdr[6:], uint16(ck.NumCols()))
	binary.LittleEndian.PutUint32(hdr[8:], uint32(ck.NumRows()))
	if _, err = w.Write(hdr); err != nil {
		return 0, verr.NewIO(ctx, "write %s: %v", path, err)
	}
	dataBytes = int64(len(hdr))

	hashTable := make([]int, 1<<16)
	for _, col := range ck.Cols {
		raw := encodeColumn(col)
		comp := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, cerr := lz4.CompressBlock(raw, comp, hashTable)
		if cerr != nil {
			return 0, verr.NewIO(ctx, "compress %s: %v", path, cerr)
		}
		colHdr := make([]byte, 8)
		binary.LittleEndian.PutUint32(colHdr[0:], uint32(len(raw)))
		payload := raw
		if n > 0 && n < len(raw) {
			binary.LittleEndian.PutUint32(colHdr[4:], uint32(n))
			payload = comp[:n]
		}
		if _, err = w.Write(colHdr); err != nil {
			return 0, verr.NewIO(ctx, "write %s: %v", path, err)
		}
		if _, err = w.Write(payload); err != nil {
			return 0, verr.NewIO(ctx, "write %s: %v", path, err)
		}
		dataBytes += int64(len(colHdr) + len(payload))
	}
	if err = w.Flush(); err != nil {
		return 0, verr.NewIO(ctx, "flush %s: %v", path, err)
	}
	return dataBytes, nil
}

// SegmentReader reads columns of one file sequentially. NextColumn
// returns verr.GetOkExpectedEOF() once all columns are consumed; that
// sentinel never crosses the dataio boundary as a failure.
type SegmentReader struct {
	path  string
	f     *os.File
	ncols uint16
	nrows uint32
	read  uint16
}

func OpenSegment(path string) (*SegmentReader, error) {
	ctx := context.TODO()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, verr.NewFileNotFound(ctx, path)
		}
		return nil, verr.NewIO(ctx, "open %s: %v", path, err)
	}
	hdr := make([]byte, 12)
	if _, err := io.ReadFull(f, hdr); err != nil {
		f.Close()
		return nil, verr.NewIO(ctx, "read header %s: %v", path, err)
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != segMagic {
		f.Close()
		return nil, verr.NewIO(ctx, "bad magic in %s", path)
	}
	if v := binary.LittleEndian.Uint16(hdr[4:]); v != formatVer {
		f.Close()
		return nil, verr.NewNotSupported(ctx, fmt.Sprintf("segment format %d in %s", v, path))
	}
	return &SegmentReader{
		path:  path,
		f:     f,
		ncols: binary.LittleEndian.Uint16(hdr[6:]),
		nrows: binary.LittleEndian.Uint32(hdr[8:]),
	}, nil
}

func (r *SegmentReader) NumRows() uint32 {
	return r.nrows
}

func (r *SegmentReader) NumCols() int {
	return int(r.ncols)
}

func (r *SegmentReader) nextHeader() (origLen, compLen uint32, err error) {
	if r.read >= r.ncols {
		return 0, 0, verr.GetOkExpectedEOF()
	}
	hdr := make([]byte, 8)
	if _, rerr := io.ReadFull(r.f, hdr); rerr != nil {
		return 0, 0, verr.NewIO(context.TODO(), "read column header %s: %v", r.path, rerr)
	}
	return binary.LittleEndian.Uint32(hdr[0:]), binary.LittleEndian.Uint32(hdr[4:]), nil
}

func (r *SegmentReader) NextColumn() (*container.Column, error) {
	origLen, compLen, err := r.nextHeader()
	if err != nil {
		return nil, err
	}
	r.read++
	payloadLen := compLen
	if compLen == 0 {
		payloadLen = origLen
	}
	payload := make([]byte, payloadLen)
	if _, rerr := io.ReadFull(r.f, payload); rerr != nil {
		return nil, verr.NewIO(context.TODO(), "read column %s: %v", r.path, rerr)
	}
	raw := payload
	if compLen != 0 {
		raw = make([]byte, origLen)
		if _, derr := lz4.UncompressBlock(payload, raw); derr != nil {
			return nil, verr.NewIO(context.TODO(), "decompress %s: %v", r.path, derr)
		}
	}
	return decodeColumn(raw, r.nrows)
}

// SkipColumn advances past the next column without decoding it.
func (r *SegmentReader) SkipColumn() error {
	origLen, compLen, err := r.nextHeader()
	if err != nil {
		return err
	}
	r.read++
	skip := int64(compLen)
	if compLen == 0 {
		skip = int64(origLen)
	}
	if _, serr := r.f.Seek(skip, io.SeekCurrent); serr != nil {
		return verr.NewIO(context.TODO(), "seek %s: %v", r.path, serr)
	}
	return nil
}

func (r *SegmentReader) Close() error {
	return r.f.Close()
}

// ReadColumn reads one column of the file by position.
func ReadColumn(path string, colIdx int) (*container.Column, error) {
	r, err := OpenSegment(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if colIdx >= r.NumCols() {
		return nil, verr.NewInvalidInput(context.TODO(), "column %d out of range in %s", colIdx, path)
	}
	for i := 0; i < colIdx; i++ {
		if err := r.SkipColumn(); err != nil {
			return nil, err
		}
	}
	return r.NextColumn()
}

// ReadChunk reads all columns of the file.
func ReadChunk(path string) (*container.Chunk, error) {
	r, err := OpenSegment(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	ck := &container.Chunk{}
	for {
		col, err := r.NextColumn()
		if err != nil {
			if err == verr.GetOkExpectedEOF() {
				break
			}
			return nil, err
		}
		ck.Cols = append(ck.Cols, col)
	}
	return ck, nil
}
