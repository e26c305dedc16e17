package compaction

import (
	"testing"
	"time"

	"github.com/ridgekv/ridgekv/internal/manifest"
	"github.com/ridgekv/ridgekv/internal/version"
)

// makeKey builds an internal key from a user key and sequence number, low
// byte first (little-endian) as required by the trailer format (seq<<8 | valueType).
func makeKey(userKey string, seq uint64) []byte {
	key := make([]byte, len(userKey)+8)
	copy(key, userKey)
	trailer := (seq << 8) | 1 // ValueTypeValue
	for i := range 8 {
		key[len(userKey)+i] = byte(trailer >> (8 * i))
	}
	return key
}

func addFile(v *version.Version, vset *version.VersionSet, level int, num uint64, smallest, largest string, size uint64) *version.Version {
	meta := manifest.NewFileMetaData()
	meta.FD = manifest.NewFileDescriptor(num, 0, size)
	meta.Smallest = makeKey(smallest, 100)
	meta.Largest = makeKey(largest, 100)

	edit := manifest.NewVersionEdit()
	edit.AddFile(level, meta)

	b := version.NewBuilder(vset, v)
	if err := b.Apply(edit); err != nil {
		panic(err)
	}
	return b.SaveTo(vset)
}

func newTestVersionSet() *version.VersionSet {
	return version.NewVersionSet(version.VersionSetOptions{})
}

func TestLeveledCompactionPickerNeedsCompactionEmpty(t *testing.T) {
	vset := newTestVersionSet()
	v := version.NewVersion(vset, 1)
	p := DefaultLeveledCompactionPicker()

	if p.NeedsCompaction(v) {
		t.Error("empty version should not need compaction")
	}
}

func TestLeveledCompactionPickerNeedsCompactionL0Trigger(t *testing.T) {
	vset := newTestVersionSet()
	v := version.NewVersion(vset, 1)
	p := DefaultLeveledCompactionPicker()
	p.L0CompactionTrigger = 4

	for i := uint64(1); i <= 4; i++ {
		v = addFile(v, vset, 0, i, "a", "z", 1024)
	}

	if !p.NeedsCompaction(v) {
		t.Error("expected compaction to be needed once L0 hits its trigger")
	}
}

func TestLeveledCompactionPickerPickL0Compaction(t *testing.T) {
	vset := newTestVersionSet()
	v := version.NewVersion(vset, 1)
	p := DefaultLeveledCompactionPicker()
	p.L0CompactionTrigger = 2

	v = addFile(v, vset, 0, 1, "a", "m", 1024)
	v = addFile(v, vset, 0, 2, "n", "z", 1024)
	v = addFile(v, vset, 1, 3, "a", "z", 2048)

	c := p.PickCompaction(v)
	if c == nil {
		t.Fatal("expected a compaction to be picked")
	}
	if c.StartLevel() != 0 {
		t.Errorf("StartLevel() = %d, want 0", c.StartLevel())
	}
	if c.OutputLevel != 1 {
		t.Errorf("OutputLevel = %d, want 1", c.OutputLevel)
	}
	if c.Reason != CompactionReasonLevelL0FileNumTrigger {
		t.Errorf("Reason = %v, want L0 trigger", c.Reason)
	}
	if c.NumInputFiles() != 3 {
		t.Errorf("NumInputFiles() = %d, want 3 (2 L0 + 1 overlapping L1)", c.NumInputFiles())
	}
}

func TestLeveledCompactionPickerIntraL0Fallback(t *testing.T) {
	vset := newTestVersionSet()
	v := version.NewVersion(vset, 1)
	p := DefaultLeveledCompactionPicker()
	p.L0CompactionTrigger = 4
	p.MaxCompactionBytes = 1 // force the L1 merge to look too expensive

	for i := uint64(1); i <= 7; i++ {
		v = addFile(v, vset, 0, i, "a", "z", 1024)
	}
	v = addFile(v, vset, 1, 8, "a", "z", 4096)

	c := p.PickCompaction(v)
	if c == nil {
		t.Fatal("expected an intra-L0 compaction")
	}
	if c.OutputLevel != 0 {
		t.Errorf("OutputLevel = %d, want 0 (intra-L0)", c.OutputLevel)
	}
	if !p.skippedL0ToBase {
		t.Error("expected skippedL0ToBase to be set")
	}
}

func TestLeveledCompactionPickerScoreCalculation(t *testing.T) {
	p := DefaultLeveledCompactionPicker()
	p.MaxBytesForLevelBase = 1000
	p.MaxBytesForLevelMulti = 10.0

	vset := newTestVersionSet()
	v := version.NewVersion(vset, 1)
	v = addFile(v, vset, 1, 1, "a", "z", 1500)

	score := p.computeScore(v, 1)
	if score < 1.4 || score > 1.6 {
		t.Errorf("computeScore(level 1) = %f, want ~1.5", score)
	}
}

func TestLeveledCompactionPickerPickLevelCompaction(t *testing.T) {
	vset := newTestVersionSet()
	v := version.NewVersion(vset, 1)
	p := DefaultLeveledCompactionPicker()
	p.MaxBytesForLevelBase = 1000
	p.MaxBytesForLevelMulti = 10.0

	v = addFile(v, vset, 1, 1, "a", "m", 2000)
	v = addFile(v, vset, 2, 2, "a", "m", 1024)

	c := p.PickCompaction(v)
	if c == nil {
		t.Fatal("expected a level compaction")
	}
	if c.StartLevel() != 1 {
		t.Errorf("StartLevel() = %d, want 1", c.StartLevel())
	}
	if c.OutputLevel != 2 {
		t.Errorf("OutputLevel = %d, want 2", c.OutputLevel)
	}
}

func TestLeveledCompactionPickerSkipsCompactingFiles(t *testing.T) {
	vset := newTestVersionSet()
	v := version.NewVersion(vset, 1)
	p := DefaultLeveledCompactionPicker()
	p.L0CompactionTrigger = 1

	v = addFile(v, vset, 0, 1, "a", "z", 1024)
	v.Files(0)[0].BeingCompacted = true

	c := p.PickCompaction(v)
	if c != nil {
		t.Errorf("expected no compaction since the only L0 file is already compacting, got %+v", c)
	}
}

func TestLeveledCompactionPickerNoFilesAvailable(t *testing.T) {
	vset := newTestVersionSet()
	v := version.NewVersion(vset, 1)
	p := DefaultLeveledCompactionPicker()

	if c := p.PickCompaction(v); c != nil {
		t.Errorf("expected nil compaction for empty version, got %+v", c)
	}
}

func TestLeveledCompactionPickerMaxBytesMultiplier(t *testing.T) {
	p := DefaultLeveledCompactionPicker()
	p.MaxBytesForLevelBase = 100
	p.MaxBytesForLevelMulti = 10.0

	if got := p.targetSizeForLevel(1); got != 100 {
		t.Errorf("targetSizeForLevel(1) = %d, want 100", got)
	}
	if got := p.targetSizeForLevel(2); got != 1000 {
		t.Errorf("targetSizeForLevel(2) = %d, want 1000", got)
	}
	if got := p.targetSizeForLevel(3); got != 10000 {
		t.Errorf("targetSizeForLevel(3) = %d, want 10000", got)
	}
}

func TestTargetFileSizeForLevel(t *testing.T) {
	p := DefaultLeveledCompactionPicker()
	p.TargetFileSizeBase = 1000
	p.TargetFileSizeMulti = 2.0

	if got := p.targetFileSizeForLevel(0); got != 1000 {
		t.Errorf("targetFileSizeForLevel(0) = %d, want 1000", got)
	}
	if got := p.targetFileSizeForLevel(2); got != 4000 {
		t.Errorf("targetFileSizeForLevel(2) = %d, want 4000", got)
	}
}

func TestLeveledCompactionPickerTrivialMove(t *testing.T) {
	vset := newTestVersionSet()
	v := version.NewVersion(vset, 1)
	p := DefaultLeveledCompactionPicker()
	p.L0CompactionTrigger = 1

	v = addFile(v, vset, 0, 1, "a", "m", 1024)

	c := p.PickCompaction(v)
	if c == nil {
		t.Fatal("expected a compaction")
	}
	if !c.IsTrivialMove {
		t.Error("expected a trivial move since L1 is empty and overlaps nothing")
	}
}

func TestLeveledCompactionPickerRoundRobinCursor(t *testing.T) {
	vset := newTestVersionSet()
	v := version.NewVersion(vset, 1)
	p := DefaultLeveledCompactionPicker()
	p.CompactionPri = RoundRobin
	p.MaxBytesForLevelBase = 1
	p.MaxBytesForLevelMulti = 1.0

	v = addFile(v, vset, 1, 1, "a", "f", 100)
	v = addFile(v, vset, 1, 2, "g", "m", 100)

	first := p.PickCompaction(v)
	if first == nil {
		t.Fatal("expected a compaction")
	}
	firstFile := first.Inputs[0].Files[0].FD.GetNumber()

	second := p.PickCompaction(v)
	if second == nil {
		t.Fatal("expected a second compaction")
	}
	secondFile := second.Inputs[0].Files[0].FD.GetNumber()

	if firstFile == secondFile {
		t.Error("expected round-robin cursor to advance past the first picked file")
	}
}

func TestLeveledCompactionPickerTTLCompaction(t *testing.T) {
	vset := newTestVersionSet()
	v := version.NewVersion(vset, 1)
	p := DefaultLeveledCompactionPicker()
	p.TTL = time.Hour
	fixedNow := time.Unix(1_000_000, 0)
	p.now = func() time.Time { return fixedNow }

	meta := manifest.NewFileMetaData()
	meta.FD = manifest.NewFileDescriptor(1, 0, 1024)
	meta.Smallest = makeKey("a", 100)
	meta.Largest = makeKey("z", 100)
	meta.OldestAncestorTime = uint64(fixedNow.Add(-2 * time.Hour).Unix())

	edit := manifest.NewVersionEdit()
	edit.AddFile(5, meta)
	b := version.NewBuilder(vset, v)
	if err := b.Apply(edit); err != nil {
		t.Fatal(err)
	}
	v = b.SaveTo(vset)

	if !p.NeedsCompaction(v) {
		t.Fatal("expected TTL-aged file to trigger compaction")
	}
	c := p.PickCompaction(v)
	if c == nil {
		t.Fatal("expected a TTL compaction to be picked")
	}
	if c.StartLevel() != 5 || c.OutputLevel != 5 {
		t.Errorf("expected an in-place rewrite at level 5, got start=%d output=%d", c.StartLevel(), c.OutputLevel)
	}
}

func TestLeveledCompactionPickerBottommostDeletionCompaction(t *testing.T) {
	vset := newTestVersionSet()
	v := version.NewVersion(vset, 1)
	p := DefaultLeveledCompactionPicker()
	p.EnableBottommostGC = true
	bottom := p.NumLevels - 1

	meta := manifest.NewFileMetaData()
	meta.FD = manifest.NewFileDescriptor(1, 0, 1024)
	meta.Smallest = makeKey("a", 100)
	meta.Largest = makeKey("z", 100)
	meta.MarkedForCompaction = true

	edit := manifest.NewVersionEdit()
	edit.AddFile(bottom, meta)
	b := version.NewBuilder(vset, v)
	if err := b.Apply(edit); err != nil {
		t.Fatal(err)
	}
	v = b.SaveTo(vset)

	c := p.PickCompaction(v)
	if c == nil {
		t.Fatal("expected a bottommost-deletion compaction")
	}
	if c.StartLevel() != bottom {
		t.Errorf("StartLevel() = %d, want %d", c.StartLevel(), bottom)
	}
}

func TestExpandInputsToCleanCut(t *testing.T) {
	vset := newTestVersionSet()
	v := version.NewVersion(vset, 1)
	p := DefaultLeveledCompactionPicker()

	v = addFile(v, vset, 1, 1, "a", "f", 100)
	v = addFile(v, vset, 1, 2, "g", "m", 100)
	v = addFile(v, vset, 1, 3, "n", "z", 100)

	seed := []*manifest.FileMetaData{v.Files(1)[1]} // the "g"-"m" file
	expanded, ok := p.expandInputsToCleanCut(v, 1, seed)
	if !ok {
		t.Fatal("expandInputsToCleanCut: expected ok, no running compactions registered")
	}

	if len(expanded) != 1 {
		t.Errorf("expected a single non-overlapping file to stay isolated, got %d files", len(expanded))
	}
}

// TestPickCompactionRegistersRunningCompaction verifies that a picked
// compaction's files are excluded from a subsequent pick until released,
// so two PickCompaction calls in a row never select the same files.
func TestPickCompactionRegistersRunningCompaction(t *testing.T) {
	vset := newTestVersionSet()
	v := version.NewVersion(vset, 1)
	p := DefaultLeveledCompactionPicker()
	p.MaxBytesForLevelBase = 1
	p.MaxBytesForLevelMulti = 1.0
	p.CompactionPri = ByCompensatedSize

	v = addFile(v, vset, 1, 1, "a", "f", 200)
	v = addFile(v, vset, 1, 2, "g", "m", 100)

	first := p.PickCompaction(v)
	if first == nil {
		t.Fatal("expected a first compaction")
	}
	if !v.Files(1)[0].BeingCompacted {
		t.Error("expected the picked file to be marked BeingCompacted")
	}

	second := p.PickCompaction(v)
	if second == nil {
		t.Fatal("expected a second compaction over the remaining file")
	}
	for _, in := range second.Inputs {
		for _, f := range in.Files {
			for _, picked := range first.Inputs[0].Files {
				if f == picked {
					t.Errorf("second pick reselected file %d already registered by the first pick", f.FD.GetNumber())
				}
			}
		}
	}

	p.ReleaseCompaction(first)
	if v.Files(1)[0].BeingCompacted {
		t.Error("expected ReleaseCompaction to clear BeingCompacted")
	}
	for _, rc := range p.runningCompactions[first.OutputLevel] {
		if rc == first {
			t.Error("expected ReleaseCompaction to remove the compaction from the registry")
		}
	}
}

func TestOutputPathForSize(t *testing.T) {
	p := DefaultLeveledCompactionPicker()
	p.DBPaths = []DBPath{
		{Path: "/fast", TargetSize: 1000},
		{Path: "/slow", TargetSize: 100000},
	}

	if got := p.outputPathForSize(500); got != "/fast" {
		t.Errorf("outputPathForSize(500) = %q, want /fast", got)
	}
	if got := p.outputPathForSize(50000); got != "/slow" {
		t.Errorf("outputPathForSize(50000) = %q, want /slow", got)
	}
}
