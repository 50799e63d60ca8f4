package region

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/dot5enko/voxel-region/voxel"
)

// testCodec produces payloads of a controllable size, stamping the
// block's fill value into the first byte so reloads can be verified.
type testCodec struct {
	size int
}

func (c *testCodec) Name() string { return "test" }

func (c *testCodec) Encode(b *voxel.Buffer) ([]byte, error) {
	data := make([]byte, c.size)
	data[0] = byte(b.GetVoxel(0, 0, 0, 0))
	return data, nil
}

func (c *testCodec) Decode(data []byte, out *voxel.Buffer) error {
	out.Fill(uint64(data[0]), 0)
	return nil
}

func testFormat() Format {
	f := DefaultFormat()
	f.BlockSizePo2 = 4
	f.RegionSize = voxel.V3i(2, 2, 2)
	f.SectorSize = 512
	return f
}

func newTestRegion(t *testing.T, path string, c *testCodec) *RegionFile {
	t.Helper()

	rf := NewWithCodec(c)

	if err := rf.SetFormat(testFormat()); err != nil {
		t.Fatalf("set format failed : %s", err.Error())
	}
	if err := rf.Open(path, true); err != nil {
		t.Fatalf("open failed : %s", err.Error())
	}

	return rf
}

func testBlock(fill uint64) *voxel.Buffer {
	b := voxel.NewBuffer(voxel.V3i(16, 16, 16))
	b.Fill(fill, 0)
	return b
}

// checkInvariants asserts sector accounting, compactness, the file
// length and the LUT bound after a mutation.
func checkInvariants(t *testing.T, r *RegionFile) {
	t.Helper()

	total := 0
	covered := make([]int, len(r.sectors))

	for i, b := range r.header.blocks {
		if !b.Present() {
			continue
		}

		total += int(b.SectorCount())

		if b.SectorIndex()+b.SectorCount() > MaxSectorIndex {
			t.Errorf("block %d exceeds the sector index bound", i)
		}

		pos := r.PositionFromBlockIndex(i)
		for j := b.SectorIndex(); j < b.SectorIndex()+b.SectorCount(); j++ {
			if int(j) >= len(r.sectors) {
				t.Errorf("block %s sector %d outside of index of size %d", pos, j, len(r.sectors))
				continue
			}
			covered[j]++
			if r.sectors[j] != pos {
				t.Errorf("sector %d owned by %s but index says %s", j, pos, r.sectors[j])
			}
		}
	}

	if total != len(r.sectors) {
		t.Errorf("Expected %d sectors but got %d", total, len(r.sectors))
	}

	for j, c := range covered {
		if c != 1 {
			t.Errorf("sector %d covered %d times", j, c)
		}
	}

	if r.file != nil {
		flen, err := r.file.Size()
		if err != nil {
			t.Fatalf("size failed : %s", err.Error())
		}
		want := r.blocksBeginOffset + int64(len(r.sectors))*int64(r.header.format.SectorSize)
		if flen < want {
			t.Errorf("file length %d below data end %d", flen, want)
		}
	}
}

func TestSaveReopenLoad(t *testing.T) {

	path := filepath.Join(t.TempDir(), "r.0.0.0.vxr")
	c := &testCodec{size: 100}

	rf := newTestRegion(t, path, c)

	if err := rf.SaveBlock(voxel.V3i(0, 0, 0), testBlock(7)); err != nil {
		t.Fatalf("save failed : %s", err.Error())
	}
	checkInvariants(t, rf)

	flen, _ := rf.file.Size()
	if flen < rf.blocksBeginOffset+512 {
		t.Errorf("Expected file length >= %d but got %d", rf.blocksBeginOffset+512, flen)
	}

	info := rf.header.blocks[0]
	if info.SectorIndex() != 0 || info.SectorCount() != 1 {
		t.Errorf("Expected sectors [0,1) but got [%d,%d)", info.SectorIndex(), info.SectorIndex()+info.SectorCount())
	}

	if err := rf.Close(); err != nil {
		t.Fatalf("close failed : %s", err.Error())
	}

	rf = NewWithCodec(c)
	if err := rf.Open(path, false); err != nil {
		t.Fatalf("reopen failed : %s", err.Error())
	}
	defer rf.Close()
	checkInvariants(t, rf)

	out := voxel.NewBuffer(voxel.V3i(16, 16, 16))
	if err := rf.LoadBlock(voxel.V3i(0, 0, 0), out); err != nil {
		t.Fatalf("load failed : %s", err.Error())
	}
	if got := out.GetVoxel(0, 0, 0, 0); got != 7 {
		t.Errorf("Expected 7 but got %d", got)
	}
}

func TestTwoBlocksAppend(t *testing.T) {

	path := filepath.Join(t.TempDir(), "r.vxr")
	c := &testCodec{size: 100}

	rf := newTestRegion(t, path, c)
	defer rf.Close()

	rf.SaveBlock(voxel.V3i(0, 0, 0), testBlock(1))
	rf.SaveBlock(voxel.V3i(1, 0, 0), testBlock(2))
	checkInvariants(t, rf)

	if len(rf.sectors) != 2 {
		t.Fatalf("Expected 2 sectors but got %d", len(rf.sectors))
	}
	if rf.sectors[0] != voxel.V3i(0, 0, 0) || rf.sectors[1] != voxel.V3i(1, 0, 0) {
		t.Errorf("unexpected sector owners : %s, %s", rf.sectors[0], rf.sectors[1])
	}

	info := rf.header.blocks[rf.blockIndexInHeader(voxel.V3i(1, 0, 0))]
	if info.SectorIndex() != 1 {
		t.Errorf("Expected block (1,0,0) at sector 1 but got %d", info.SectorIndex())
	}
}

func TestShrinkCompacts(t *testing.T) {

	path := filepath.Join(t.TempDir(), "r.vxr")
	c := &testCodec{size: 900}

	rf := newTestRegion(t, path, c)
	defer rf.Close()

	rf.SaveBlock(voxel.V3i(0, 0, 0), testBlock(1)) // 2 sectors
	c.size = 100
	rf.SaveBlock(voxel.V3i(1, 0, 0), testBlock(2)) // 1 sector at index 2
	checkInvariants(t, rf)

	second := rf.header.blocks[rf.blockIndexInHeader(voxel.V3i(1, 0, 0))]
	if second.SectorIndex() != 2 {
		t.Fatalf("Expected block (1,0,0) at sector 2 but got %d", second.SectorIndex())
	}

	// Shrink the first block to one sector.
	rf.SaveBlock(voxel.V3i(0, 0, 0), testBlock(3))
	checkInvariants(t, rf)

	first := rf.header.blocks[rf.blockIndexInHeader(voxel.V3i(0, 0, 0))]
	if first.SectorIndex() != 0 || first.SectorCount() != 1 {
		t.Errorf("Expected first block at [0,1) but got [%d,%d)",
			first.SectorIndex(), first.SectorIndex()+first.SectorCount())
	}

	second = rf.header.blocks[rf.blockIndexInHeader(voxel.V3i(1, 0, 0))]
	if second.SectorIndex() != 1 {
		t.Errorf("Expected block (1,0,0) moved to sector 1 but got %d", second.SectorIndex())
	}

	if len(rf.sectors) != 2 {
		t.Errorf("Expected 2 sectors but got %d", len(rf.sectors))
	}

	out := voxel.NewBuffer(voxel.V3i(16, 16, 16))
	if err := rf.LoadBlock(voxel.V3i(1, 0, 0), out); err != nil {
		t.Fatalf("load failed : %s", err.Error())
	}
	if got := out.GetVoxel(0, 0, 0, 0); got != 2 {
		t.Errorf("Expected 2 but got %d", got)
	}
}

func TestGrowMovesToEnd(t *testing.T) {

	path := filepath.Join(t.TempDir(), "r.vxr")
	c := &testCodec{size: 100}

	rf := newTestRegion(t, path, c)
	defer rf.Close()

	rf.SaveBlock(voxel.V3i(0, 0, 0), testBlock(1))
	rf.SaveBlock(voxel.V3i(1, 0, 0), testBlock(2))

	c.size = 900
	rf.SaveBlock(voxel.V3i(0, 0, 0), testBlock(3))
	checkInvariants(t, rf)

	first := rf.header.blocks[rf.blockIndexInHeader(voxel.V3i(0, 0, 0))]
	if first.SectorIndex() != 1 || first.SectorCount() != 2 {
		t.Errorf("Expected grown block at [1,3) but got [%d,%d)",
			first.SectorIndex(), first.SectorIndex()+first.SectorCount())
	}

	second := rf.header.blocks[rf.blockIndexInHeader(voxel.V3i(1, 0, 0))]
	if second.SectorIndex() != 0 {
		t.Errorf("Expected block (1,0,0) at sector 0 but got %d", second.SectorIndex())
	}

	if len(rf.sectors) != 3 {
		t.Errorf("Expected 3 sectors but got %d", len(rf.sectors))
	}

	out := voxel.NewBuffer(voxel.V3i(16, 16, 16))
	for _, tc := range []struct {
		pos  voxel.Vector3i
		want uint64
	}{
		{voxel.V3i(0, 0, 0), 3},
		{voxel.V3i(1, 0, 0), 2},
	} {
		if err := rf.LoadBlock(tc.pos, out); err != nil {
			t.Fatalf("load %s failed : %s", tc.pos, err.Error())
		}
		if got := out.GetVoxel(0, 0, 0, 0); got != tc.want {
			t.Errorf("Expected %d at %s but got %d", tc.want, tc.pos, got)
		}
	}
}

func TestGrowOnlyBlock(t *testing.T) {

	path := filepath.Join(t.TempDir(), "r.vxr")
	c := &testCodec{size: 100}

	rf := newTestRegion(t, path, c)
	defer rf.Close()

	rf.SaveBlock(voxel.V3i(0, 1, 0), testBlock(5))

	c.size = 1500
	if err := rf.SaveBlock(voxel.V3i(0, 1, 0), testBlock(6)); err != nil {
		t.Fatalf("grow failed : %s", err.Error())
	}
	checkInvariants(t, rf)

	info := rf.header.blocks[rf.blockIndexInHeader(voxel.V3i(0, 1, 0))]
	if info.SectorIndex() != 0 || info.SectorCount() != 3 {
		t.Errorf("Expected [0,3) but got [%d,%d)", info.SectorIndex(), info.SectorIndex()+info.SectorCount())
	}
}

func TestLoadMissingBlock(t *testing.T) {

	path := filepath.Join(t.TempDir(), "r.vxr")
	c := &testCodec{size: 100}

	rf := newTestRegion(t, path, c)
	defer rf.Close()

	out := voxel.NewBuffer(voxel.V3i(16, 16, 16))
	out.Fill(42, 0)

	err := rf.LoadBlock(voxel.V3i(1, 1, 1), out)
	if !errors.Is(err, ErrDoesNotExist) {
		t.Fatalf("Expected ErrDoesNotExist but got %v", err)
	}

	if got := out.GetVoxel(0, 0, 0, 0); got != 42 {
		t.Errorf("missing block load touched the output buffer : %d", got)
	}
}

func TestSectorCountOverflow(t *testing.T) {

	path := filepath.Join(t.TempDir(), "r.vxr")
	c := &testCodec{size: 256 * 512}

	rf := newTestRegion(t, path, c)
	defer rf.Close()

	err := rf.SaveBlock(voxel.V3i(0, 0, 0), testBlock(1))
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Expected ErrInvalidArgument but got %v", err)
	}
}

func TestFormatMismatchRejected(t *testing.T) {

	path := filepath.Join(t.TempDir(), "r.vxr")
	c := &testCodec{size: 100}

	rf := newTestRegion(t, path, c)
	defer rf.Close()

	wrong := voxel.NewBuffer(voxel.V3i(8, 8, 8))
	if err := rf.SaveBlock(voxel.V3i(0, 0, 0), wrong); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument but got %v", err)
	}

	wrongDepth := voxel.NewBuffer(voxel.V3i(16, 16, 16))
	wrongDepth.SetChannelDepth(0, voxel.Depth32)
	if err := rf.SaveBlock(voxel.V3i(0, 0, 0), wrongDepth); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument but got %v", err)
	}
}

func TestMigrationFromV2(t *testing.T) {

	dir := t.TempDir()
	path := filepath.Join(dir, "r.vxr")

	format := testFormat()
	volume := format.RegionSize.Volume()

	// Hand-build a v2 file: magic, version, bare LUT, one live block.
	raw := make([]byte, 0, 5+volume*4+512)
	raw = append(raw, []byte(regionMagic)...)
	raw = append(raw, formatVersionLegacy)

	lut := make([]byte, volume*4)
	var first BlockInfo
	first.SetSectorIndex(0)
	first.SetSectorCount(1)
	binary.LittleEndian.PutUint32(lut, uint32(first))
	raw = append(raw, lut...)

	sector := make([]byte, 512)
	binary.LittleEndian.PutUint32(sector, 100)
	sector[4] = 9 // payload fingerprint
	raw = append(raw, sector...)

	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatalf("unable to seed v2 file : %s", err.Error())
	}

	c := &testCodec{size: 100}

	rf := NewWithCodec(c)
	if err := rf.SetFormat(format); err != nil {
		t.Fatalf("set format failed : %s", err.Error())
	}
	if err := rf.Open(path, false); err != nil {
		t.Fatalf("open failed : %s", err.Error())
	}

	if rf.Version() != formatVersionLegacy {
		t.Fatalf("Expected version 2 after open but got %d", rf.Version())
	}

	out := voxel.NewBuffer(voxel.V3i(16, 16, 16))
	if err := rf.LoadBlock(voxel.V3i(0, 0, 0), out); err != nil {
		t.Fatalf("load from v2 failed : %s", err.Error())
	}
	if got := out.GetVoxel(0, 0, 0, 0); got != 9 {
		t.Errorf("Expected 9 but got %d", got)
	}

	if err := rf.Close(); err != nil {
		t.Fatalf("close failed : %s", err.Error())
	}

	migrated, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back failed : %s", err.Error())
	}
	if migrated[4] != FormatVersion {
		t.Fatalf("Expected version byte %d but got %d", FormatVersion, migrated[4])
	}
	if int64(len(migrated)) < format.headerSizeV3()+512 {
		t.Errorf("migrated file too short : %d", len(migrated))
	}

	// The migrated file must read back without a preset format.
	rf = NewWithCodec(c)
	if err := rf.Open(path, false); err != nil {
		t.Fatalf("reopen failed : %s", err.Error())
	}
	defer rf.Close()
	checkInvariants(t, rf)

	if err := rf.LoadBlock(voxel.V3i(0, 0, 0), out); err != nil {
		t.Fatalf("load after migration failed : %s", err.Error())
	}
	if got := out.GetVoxel(0, 0, 0, 0); got != 9 {
		t.Errorf("Expected 9 but got %d", got)
	}
}

func TestOpenV2WithoutFormatFails(t *testing.T) {

	path := filepath.Join(t.TempDir(), "r.vxr")

	raw := append([]byte(regionMagic), formatVersionLegacy)
	raw = append(raw, make([]byte, 8*4)...)
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatalf("unable to seed v2 file : %s", err.Error())
	}

	rf := New()
	err := rf.Open(path, false)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable but got %v", err)
	}
}

func TestUnknownVersionFails(t *testing.T) {

	path := filepath.Join(t.TempDir(), "r.vxr")

	raw := append([]byte(regionMagic), 9)
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatalf("unable to seed file : %s", err.Error())
	}

	rf := New()
	if err := rf.Open(path, false); !errors.Is(err, ErrParse) {
		t.Fatalf("Expected ErrParse but got %v", err)
	}
}

func TestBadMagicFails(t *testing.T) {

	path := filepath.Join(t.TempDir(), "r.vxr")

	if err := os.WriteFile(path, []byte("NOPE\x03"), 0644); err != nil {
		t.Fatalf("unable to seed file : %s", err.Error())
	}

	rf := New()
	if err := rf.Open(path, false); !errors.Is(err, ErrParse) {
		t.Fatalf("Expected ErrParse but got %v", err)
	}
}

func TestRandomizedSavesKeepInvariants(t *testing.T) {

	path := filepath.Join(t.TempDir(), "r.vxr")
	c := &testCodec{size: 100}

	rf := newTestRegion(t, path, c)

	rs := testFormat().RegionSize
	values := map[voxel.Vector3i]uint64{}

	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 200; i++ {
		pos := voxel.V3i(rng.Intn(rs.X), rng.Intn(rs.Y), rng.Intn(rs.Z))
		fill := uint64(rng.Intn(200) + 1)

		c.size = rng.Intn(1400) + 10

		if err := rf.SaveBlock(pos, testBlock(fill)); err != nil {
			t.Fatalf("save %d failed : %s", i, err.Error())
		}
		values[pos] = fill

		checkInvariants(t, rf)
	}

	// Close/open idempotence: the reconstructed index must match.
	savedSectors := append([]voxel.Vector3i(nil), rf.sectors...)
	savedBlocks := append([]BlockInfo(nil), rf.header.blocks...)

	if err := rf.Close(); err != nil {
		t.Fatalf("close failed : %s", err.Error())
	}

	rf = NewWithCodec(c)
	if err := rf.Open(path, false); err != nil {
		t.Fatalf("reopen failed : %s", err.Error())
	}
	defer rf.Close()

	if len(rf.sectors) != len(savedSectors) {
		t.Fatalf("Expected %d sectors but got %d", len(savedSectors), len(rf.sectors))
	}
	for i := range savedSectors {
		if rf.sectors[i] != savedSectors[i] {
			t.Errorf("sector %d owner mismatch : %s vs %s", i, savedSectors[i], rf.sectors[i])
		}
	}
	for i := range savedBlocks {
		if rf.header.blocks[i] != savedBlocks[i] {
			t.Errorf("LUT entry %d mismatch", i)
		}
	}

	out := voxel.NewBuffer(voxel.V3i(16, 16, 16))
	for pos, want := range values {
		if err := rf.LoadBlock(pos, out); err != nil {
			t.Fatalf("load %s failed : %s", pos, err.Error())
		}
		if got := out.GetVoxel(0, 0, 0, 0); got != want {
			t.Errorf("Expected %d at %s but got %d", want, pos, got)
		}
	}
}

func TestSetFormatValidation(t *testing.T) {

	rf := New()

	f := testFormat()
	f.BlockSizePo2 = 0
	if err := rf.SetFormat(f); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for zero block size but got %v", err)
	}

	f = testFormat()
	f.RegionSize = voxel.V3i(256, 1, 1)
	if err := rf.SetFormat(f); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for oversized region but got %v", err)
	}

	// Worst case sectors per block above 255.
	f = testFormat()
	f.BlockSizePo2 = 6
	for i := range f.ChannelDepths {
		f.ChannelDepths[i] = voxel.Depth64
	}
	f.SectorSize = 512
	if err := rf.SetFormat(f); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for oversized block but got %v", err)
	}
}

func TestSetFormatAfterOpenRejected(t *testing.T) {

	path := filepath.Join(t.TempDir(), "r.vxr")
	c := &testCodec{size: 100}

	rf := newTestRegion(t, path, c)
	defer rf.Close()

	if err := rf.SetFormat(testFormat()); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument but got %v", err)
	}
}
