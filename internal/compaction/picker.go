// picker.go implements the leveled compaction picker: a stateless
// function of a Version's file list that proposes the next compaction to
// run, without executing it.
//
// Reference: RocksDB v10.7.5
//   - db/compaction/compaction_picker.h
//   - db/compaction/compaction_picker.cc
//   - db/compaction/compaction_picker_level.cc
package compaction

import (
	"sync"
	"time"

	"github.com/ridgekv/ridgekv/internal/dbformat"
	"github.com/ridgekv/ridgekv/internal/logging"
	"github.com/ridgekv/ridgekv/internal/manifest"
	"github.com/ridgekv/ridgekv/internal/version"
)

// kMinFilesForIntraL0Compaction mirrors RocksDB's threshold for merging L0
// files amongst themselves when none of them can cleanly move to L1 (e.g.
// L1 is already saturated with pending compactions).
const kMinFilesForIntraL0Compaction = 4

// CompactionPicker is responsible for selecting files for compaction.
type CompactionPicker interface {
	// NeedsCompaction returns true if compaction is needed.
	NeedsCompaction(v *version.Version) bool

	// PickCompaction selects files for the next compaction.
	// Returns nil if no compaction is needed.
	PickCompaction(v *version.Version) *Compaction
}

// CompactionPri selects which file within a level is compacted first when
// multiple files are eligible.
type CompactionPri int

const (
	// ByCompensatedSize picks the largest file first.
	ByCompensatedSize CompactionPri = iota
	// OldestLargestSeqFirst picks the file whose largest sequence number
	// is oldest, favoring files that have been sitting untouched longest.
	OldestLargestSeqFirst
	// OldestSmallestSeqFirst picks the file whose smallest sequence
	// number is oldest.
	OldestSmallestSeqFirst
	// MinOverlappingRatio picks the file with the smallest overlap
	// (by byte size) with the next level, minimizing write amplification.
	MinOverlappingRatio
	// RoundRobin cycles through each level's key space using a
	// persistent cursor, guaranteeing every key range is eventually
	// compacted even under skewed workloads.
	RoundRobin
)

// DBPath is one configured storage tier a compaction may place its
// output file into.
type DBPath struct {
	Path       string
	TargetSize uint64
}

// LeveledCompactionPicker implements leveled compaction strategy.
// This is the default RocksDB compaction style.
type LeveledCompactionPicker struct {
	// Options
	NumLevels             int
	L0CompactionTrigger   int     // Number of L0 files to trigger compaction
	L0StopWritesTrigger   int     // Number of L0 files to stall writes
	MaxBytesForLevelBase  uint64  // Target size for L1
	MaxBytesForLevelMulti float64 // Multiplier for each subsequent level
	TargetFileSizeBase    uint64  // Target file size for L0; level n gets base * multi^n
	TargetFileSizeMulti   float64 // Multiplier for file size at each level
	MaxCompactionBytes    uint64  // Upper bound on total input bytes pulled into one compaction
	CompactionPri         CompactionPri
	DBPaths               []DBPath

	// TTL / periodic / bottommost-deletion thresholds. Zero disables the
	// corresponding priority tier.
	TTL                     time.Duration
	PeriodicCompactionTTL   time.Duration
	EnableBottommostGC      bool
	BlobGarbageRatioForGC   float64

	Logger logging.Logger

	mu                 sync.Mutex
	compactCursor      map[int][]byte        // per-level round-robin cursor, keyed by level
	runningCompactions map[int][]*Compaction // in-flight compactions, keyed by output level
	skippedL0ToBase    bool                  // anti-starvation: L0 was eligible but L1 was too busy
	now                func() time.Time
}

// DefaultLeveledCompactionPicker returns a picker with default settings.
func DefaultLeveledCompactionPicker() *LeveledCompactionPicker {
	return &LeveledCompactionPicker{
		NumLevels:             7,
		L0CompactionTrigger:   4,
		L0StopWritesTrigger:   20,
		MaxBytesForLevelBase:  256 * 1024 * 1024, // 256MB
		MaxBytesForLevelMulti: 10.0,
		TargetFileSizeBase:    64 * 1024 * 1024, // 64MB
		TargetFileSizeMulti:   1.0,
		MaxCompactionBytes:    25 * 64 * 1024 * 1024, // 25x target file size, RocksDB's default
		CompactionPri:         MinOverlappingRatio,
		compactCursor:         make(map[int][]byte),
		runningCompactions:    make(map[int][]*Compaction),
		now:                   time.Now,
	}
}

func (p *LeveledCompactionPicker) log() logging.Logger {
	return logging.OrDefault(p.Logger)
}

// NeedsCompaction returns true if compaction should be triggered.
func (p *LeveledCompactionPicker) NeedsCompaction(v *version.Version) bool {
	if v.NumFiles(0) >= p.L0CompactionTrigger {
		return true
	}

	for level := 1; level < p.NumLevels-1; level++ {
		if p.computeScore(v, level) >= 1.0 {
			return true
		}
	}

	return p.hasTTLOrPeriodicCandidate(v) || p.hasBottommostDeletionCandidate(v)
}

// PickCompaction selects the next compaction to perform, trying priority
// tiers from most to least urgent: L0, then the highest-scoring level,
// then bottommost-deletion and TTL/periodic maintenance compactions that
// don't show up in the score but still need to run eventually.
func (p *LeveledCompactionPicker) PickCompaction(v *version.Version) *Compaction {
	c := p.pickCompaction(v)
	if c != nil {
		p.registerCompaction(c)
	}
	return c
}

func (p *LeveledCompactionPicker) pickCompaction(v *version.Version) *Compaction {
	if c := p.pickL0OrIntraL0(v); c != nil {
		return c
	}

	bestLevel := -1
	bestScore := 0.0
	for level := 1; level < p.NumLevels-1; level++ {
		score := p.computeScore(v, level)
		if score > bestScore {
			bestScore = score
			bestLevel = level
		}
	}
	if bestLevel >= 0 && bestScore >= 1.0 {
		if c := p.pickLevelCompaction(v, bestLevel, bestScore); c != nil {
			return c
		}
	}

	if c := p.pickBottommostDeletionCompaction(v); c != nil {
		return c
	}
	if c := p.pickTTLOrPeriodicCompaction(v); c != nil {
		return c
	}
	return nil
}

// registerCompaction marks c's input files BeingCompacted and records c in
// the running-compactions registry under its output level, so that a later
// PickCompaction call neither re-selects the same files nor expands a clean
// cut into the key range c is about to write.
func (p *LeveledCompactionPicker) registerCompaction(c *Compaction) {
	c.MarkFilesBeingCompacted(true)
	p.mu.Lock()
	p.runningCompactions[c.OutputLevel] = append(p.runningCompactions[c.OutputLevel], c)
	p.mu.Unlock()
}

// ReleaseCompaction clears the being-compacted markers set by PickCompaction
// and removes c from the running-compactions registry, making its input
// files eligible for selection again. Callers must invoke this exactly once
// for every Compaction PickCompaction returns, whether it ran to completion,
// failed, or was abandoned.
func (p *LeveledCompactionPicker) ReleaseCompaction(c *Compaction) {
	c.MarkFilesBeingCompacted(false)
	p.mu.Lock()
	running := p.runningCompactions[c.OutputLevel]
	for i, rc := range running {
		if rc == c {
			p.runningCompactions[c.OutputLevel] = append(running[:i:i], running[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

// rangeOverlapsRunningCompactions reports whether [smallest, largest]
// overlaps the key range of any compaction already registered to write its
// output into level.
func (p *LeveledCompactionPicker) rangeOverlapsRunningCompactions(level int, smallest, largest []byte) bool {
	if smallest == nil || largest == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rc := range p.runningCompactions[level] {
		if dbformat.CompareInternalKeys(smallest, rc.LargestKey) <= 0 &&
			dbformat.CompareInternalKeys(largest, rc.SmallestKey) >= 0 {
			return true
		}
	}
	return false
}

// computeScore calculates the compaction score for a level.
// Score >= 1.0 means compaction is needed.
func (p *LeveledCompactionPicker) computeScore(v *version.Version, level int) float64 {
	if level == 0 {
		return float64(v.NumFiles(0)) / float64(p.L0CompactionTrigger)
	}

	levelSize := v.NumLevelBytes(level)
	targetSize := p.targetSizeForLevel(level)
	if targetSize == 0 {
		return 0
	}
	return float64(levelSize) / float64(targetSize)
}

// targetSizeForLevel returns the target size for a level.
func (p *LeveledCompactionPicker) targetSizeForLevel(level int) uint64 {
	if level == 0 {
		return 0 // L0 uses file count, not size
	}
	size := p.MaxBytesForLevelBase
	for i := 1; i < level; i++ {
		size = uint64(float64(size) * p.MaxBytesForLevelMulti)
	}
	return size
}

// targetFileSizeForLevel returns the target file size for a level.
func (p *LeveledCompactionPicker) targetFileSizeForLevel(level int) uint64 {
	size := p.TargetFileSizeBase
	for range level {
		size = uint64(float64(size) * p.TargetFileSizeMulti)
	}
	return size
}

// outputPathForSize picks the first configured DB path whose target size
// budget covers estimatedBytes, falling back to the last path (the
// RocksDB convention: the last path is the catch-all, typically the
// largest or slowest tier).
func (p *LeveledCompactionPicker) outputPathForSize(estimatedBytes uint64) string {
	if len(p.DBPaths) == 0 {
		return ""
	}
	for _, dp := range p.DBPaths[:len(p.DBPaths)-1] {
		if estimatedBytes <= dp.TargetSize {
			return dp.Path
		}
	}
	return p.DBPaths[len(p.DBPaths)-1].Path
}

func availableFiles(files []*manifest.FileMetaData) []*manifest.FileMetaData {
	var out []*manifest.FileMetaData
	for _, f := range files {
		if !f.BeingCompacted {
			out = append(out, f)
		}
	}
	return out
}

func keyRange(files []*manifest.FileMetaData) (smallest, largest []byte) {
	for _, f := range files {
		if smallest == nil || dbformat.CompareInternalKeys(f.Smallest, smallest) < 0 {
			smallest = f.Smallest
		}
		if largest == nil || dbformat.CompareInternalKeys(f.Largest, largest) > 0 {
			largest = f.Largest
		}
	}
	return smallest, largest
}

// expandInputsToCleanCut grows files (all drawn from the same level) until
// the key range it covers doesn't graze the edge of some other file at
// that level that isn't already included — a "clean cut" so the
// compaction's output boundary never splits a run of files with
// overlapping or adjacent keys. Iterates to a fixpoint, bounded by the
// number of files at the level so pathological inputs can't loop forever.
//
// Reports ok=false if the fully-expanded range collides with a compaction
// already registered to output into level, in which case the pick must be
// abandoned entirely rather than proceeding with a smaller input: the
// eventual output file for that running compaction doesn't exist yet, so
// the BeingCompacted check above can't catch the collision on its own.
func (p *LeveledCompactionPicker) expandInputsToCleanCut(v *version.Version, level int, files []*manifest.FileMetaData) (_ []*manifest.FileMetaData, ok bool) {
	allAtLevel := v.Files(level)
	for range allAtLevel {
		smallest, largest := keyRange(files)
		grown := v.OverlappingInputs(level, smallest, largest)
		if len(grown) <= len(files) {
			break
		}
		for _, f := range grown {
			if f.BeingCompacted {
				// Can't cleanly expand through a file that's already
				// locked by another compaction; keep the smaller input.
				smallest, largest = keyRange(files)
				return files, !p.rangeOverlapsRunningCompactions(level, smallest, largest)
			}
		}
		files = grown
	}
	smallest, largest := keyRange(files)
	return files, !p.rangeOverlapsRunningCompactions(level, smallest, largest)
}

func totalSize(files []*manifest.FileMetaData) uint64 {
	var total uint64
	for _, f := range files {
		total += f.FD.FileSize
	}
	return total
}

// isTrivialMove reports whether a compaction whose only input level has no
// overlapping files at the output level (and shares no in-flight
// compaction with it), and whose input files are mutually disjoint by user
// key, can skip merging entirely and just relabel the files into the
// output level.
func isTrivialMove(inputs []*CompactionInputFiles) bool {
	if len(inputs) != 1 {
		return false
	}
	files := inputs[0].Files
	for i, f := range files {
		if f.BeingCompacted {
			return false
		}
		for _, g := range files[i+1:] {
			if dbformat.DefaultInternalKeyComparator.CompareUserKey(f.Smallest, g.Largest) <= 0 &&
				dbformat.DefaultInternalKeyComparator.CompareUserKey(g.Smallest, f.Largest) <= 0 {
				return false
			}
		}
	}
	return true
}

// pickL0OrIntraL0 handles the two ways an overloaded L0 gets relief:
// merge into L1 when possible, or merge L0 files amongst themselves when
// L1 is too contended to accept them (L0 holding more than
// L0CompactionTrigger+2 files, at least kMinFilesForIntraL0Compaction of
// them not already being compacted).
func (p *LeveledCompactionPicker) pickL0OrIntraL0(v *version.Version) *Compaction {
	l0Files := v.Files(0)
	if len(l0Files) < p.L0CompactionTrigger {
		p.skippedL0ToBase = false
		return nil
	}

	avail := availableFiles(l0Files)
	if len(avail) == 0 {
		return nil
	}

	smallest, largest := keyRange(avail)
	l1Overlap := availableFiles(v.OverlappingInputs(1, smallest, largest))

	l1Expanded, ok := p.expandInputsToCleanCut(v, 1, l1Overlap)
	if !ok {
		// The clean cut on L1 would collide with another compaction's
		// output range; fall back to merging L0 with itself instead.
		p.skippedL0ToBase = true
		if len(avail) >= kMinFilesForIntraL0Compaction && len(l0Files) > p.L0CompactionTrigger+2 {
			return p.pickIntraL0Compaction(avail)
		}
		return nil
	}
	if len(l1Expanded) > 0 && totalSize(avail)+totalSize(l1Expanded) > p.MaxCompactionBytes {
		// L1 is too busy to absorb all of L0 cleanly; fall back to
		// merging L0 with itself if there's enough to be worth it.
		p.skippedL0ToBase = true
		if len(avail) >= kMinFilesForIntraL0Compaction && len(l0Files) > p.L0CompactionTrigger+2 {
			return p.pickIntraL0Compaction(avail)
		}
		return nil
	}
	p.skippedL0ToBase = false

	l0Input := &CompactionInputFiles{Level: 0, Files: avail}
	inputs := []*CompactionInputFiles{l0Input}
	if len(l1Expanded) > 0 {
		inputs = append(inputs, &CompactionInputFiles{Level: 1, Files: l1Expanded})
	}

	c := NewCompaction(inputs, 1)
	c.Reason = CompactionReasonLevelL0FileNumTrigger
	c.Score = float64(len(l0Files)) / float64(p.L0CompactionTrigger)
	c.MaxOutputFileSize = p.targetFileSizeForLevel(1)
	c.IsTrivialMove = isTrivialMove(inputs) && len(p.DBPaths) <= 1
	p.log().Debugf(logging.NSCompact+"picked L0 compaction: %d L0 files, %d L1 files, trivial_move=%v",
		len(avail), len(l1Expanded), c.IsTrivialMove)
	return c
}

// pickIntraL0Compaction merges L0 files with each other without touching
// L1, used when the base level can't accept more input right now but L0
// is backing up regardless.
func (p *LeveledCompactionPicker) pickIntraL0Compaction(avail []*manifest.FileMetaData) *Compaction {
	l0Input := &CompactionInputFiles{Level: 0, Files: avail}
	c := NewCompaction([]*CompactionInputFiles{l0Input}, 0)
	c.Reason = CompactionReasonLevelL0FileNumTrigger
	c.MaxOutputFileSize = p.targetFileSizeForLevel(0)
	p.log().Debugf(logging.NSCompact+"picked intra-L0 compaction: %d files", len(avail))
	return c
}

// pickLevelCompaction picks a compaction from level to level+1, choosing
// the starting file(s) according to CompactionPri and then expanding to a
// clean cut on both levels.
func (p *LeveledCompactionPicker) pickLevelCompaction(v *version.Version, level int, score float64) *Compaction {
	files := availableFiles(v.Files(level))
	if len(files) == 0 {
		return nil
	}

	picked := p.pickStartFile(v, level, files)
	if picked == nil {
		return nil
	}

	levelFiles, ok := p.expandInputsToCleanCut(v, level, []*manifest.FileMetaData{picked})
	if !ok {
		return nil
	}
	smallest, largest := keyRange(levelFiles)

	nextLevel := level + 1
	nextLevelFiles, ok := p.expandInputsToCleanCut(v, nextLevel, availableFiles(v.OverlappingInputs(nextLevel, smallest, largest)))
	if !ok {
		return nil
	}

	inputs := []*CompactionInputFiles{{Level: level, Files: levelFiles}}
	if len(nextLevelFiles) > 0 {
		inputs = append(inputs, &CompactionInputFiles{Level: nextLevel, Files: nextLevelFiles})
	}

	c := NewCompaction(inputs, nextLevel)
	c.Reason = CompactionReasonLevelMaxLevelSize
	c.Score = score
	c.MaxOutputFileSize = p.targetFileSizeForLevel(nextLevel)
	c.IsTrivialMove = isTrivialMove(inputs)

	if p.CompactionPri == RoundRobin && !p.skippedL0ToBase {
		p.advanceCursor(level, largest)
	}
	return c
}

// pickStartFile chooses which file in level to seed the compaction with,
// according to CompactionPri.
func (p *LeveledCompactionPicker) pickStartFile(v *version.Version, level int, files []*manifest.FileMetaData) *manifest.FileMetaData {
	switch p.CompactionPri {
	case RoundRobin:
		return p.pickByCursor(level, v.Files(level))
	case OldestLargestSeqFirst:
		return pickMin(files, func(f *manifest.FileMetaData) uint64 { return uint64(f.FD.LargestSeqno) })
	case OldestSmallestSeqFirst:
		return pickMin(files, func(f *manifest.FileMetaData) uint64 { return uint64(f.FD.SmallestSeqno) })
	case MinOverlappingRatio:
		return p.pickMinOverlap(v, level, files)
	default: // ByCompensatedSize
		return pickMax(files, func(f *manifest.FileMetaData) uint64 { return f.FD.FileSize + f.CompensatedRangeDeletionSize })
	}
}

func pickMax(files []*manifest.FileMetaData, weight func(*manifest.FileMetaData) uint64) *manifest.FileMetaData {
	var best *manifest.FileMetaData
	var bestWeight uint64
	for _, f := range files {
		w := weight(f)
		if best == nil || w > bestWeight {
			best, bestWeight = f, w
		}
	}
	return best
}

func pickMin(files []*manifest.FileMetaData, weight func(*manifest.FileMetaData) uint64) *manifest.FileMetaData {
	var best *manifest.FileMetaData
	var bestWeight uint64
	for _, f := range files {
		w := weight(f)
		if best == nil || w < bestWeight {
			best, bestWeight = f, w
		}
	}
	return best
}

// pickMinOverlap picks the file whose key range overlaps the fewest bytes
// of files at the next level, minimizing the amount of rewriting a single
// compaction triggers.
func (p *LeveledCompactionPicker) pickMinOverlap(v *version.Version, level int, files []*manifest.FileMetaData) *manifest.FileMetaData {
	var best *manifest.FileMetaData
	var bestOverlap uint64
	for _, f := range files {
		overlap := totalSize(v.OverlappingInputs(level+1, f.Smallest, f.Largest))
		if best == nil || overlap < bestOverlap {
			best, bestOverlap = f, overlap
		}
	}
	return best
}

// pickByCursor implements round-robin selection over all files of the
// level: pick the first file whose range starts at or after the level's
// saved cursor, wrapping around to the first file if the cursor has walked
// off the end. If that file is already being compacted the round fails
// (nil) instead of moving on to the next file. The cursor only advances on
// a successful pick (see advanceCursor) — a failed or abandoned pick leaves
// it untouched, so the same starting point is retried rather than skipped.
func (p *LeveledCompactionPicker) pickByCursor(level int, files []*manifest.FileMetaData) *manifest.FileMetaData {
	p.mu.Lock()
	cursor := p.compactCursor[level]
	p.mu.Unlock()

	picked := files[0]
	if cursor != nil {
		for _, f := range files {
			if dbformat.CompareInternalKeys(f.Smallest, cursor) >= 0 {
				picked = f
				break
			}
		}
	}
	if picked.BeingCompacted {
		return nil
	}
	return picked
}

func (p *LeveledCompactionPicker) advanceCursor(level int, pastKey []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.compactCursor[level] = pastKey
}

// hasTTLOrPeriodicCandidate reports whether any bottommost-ancestor file
// is old enough to need a TTL or periodic rewrite.
func (p *LeveledCompactionPicker) hasTTLOrPeriodicCandidate(v *version.Version) bool {
	return p.findTTLOrPeriodicFile(v) != nil
}

func (p *LeveledCompactionPicker) findTTLOrPeriodicFile(v *version.Version) (found *manifest.FileMetaData) {
	if p.TTL <= 0 && p.PeriodicCompactionTTL <= 0 {
		return nil
	}
	now := uint64(p.now().Unix())
	for level := 0; level < p.NumLevels; level++ {
		for _, f := range v.Files(level) {
			if f.BeingCompacted {
				continue
			}
			if p.TTL > 0 && f.OldestAncestorTime != manifest.UnknownOldestAncestorTime {
				age := time.Duration(now-f.OldestAncestorTime) * time.Second
				if age >= p.TTL {
					return f
				}
			}
			if p.PeriodicCompactionTTL > 0 && f.FileCreationTime != manifest.UnknownFileCreationTime {
				age := time.Duration(now-f.FileCreationTime) * time.Second
				if age >= p.PeriodicCompactionTTL {
					return f
				}
			}
		}
	}
	return nil
}

// pickTTLOrPeriodicCompaction rewrites a single aged-out file in place
// (same level in, same level out) to reset its age and let any expired
// tombstones it holds finally drop.
func (p *LeveledCompactionPicker) pickTTLOrPeriodicCompaction(v *version.Version) *Compaction {
	f := p.findTTLOrPeriodicFile(v)
	if f == nil {
		return nil
	}
	level := p.levelOf(v, f)
	if level < 0 {
		return nil
	}
	input := &CompactionInputFiles{Level: level, Files: []*manifest.FileMetaData{f}}
	c := NewCompaction([]*CompactionInputFiles{input}, level)
	c.Reason = CompactionReasonManualCompaction
	c.MaxOutputFileSize = p.targetFileSizeForLevel(level)
	return c
}

// hasBottommostDeletionCandidate reports whether a bottommost-level file
// is explicitly flagged for compaction, e.g. because it's entirely
// deletion tombstones with nothing below it to shadow.
func (p *LeveledCompactionPicker) hasBottommostDeletionCandidate(v *version.Version) bool {
	if !p.EnableBottommostGC {
		return false
	}
	return p.findBottommostDeletionFile(v) != nil
}

func (p *LeveledCompactionPicker) findBottommostDeletionFile(v *version.Version) *manifest.FileMetaData {
	bottom := p.NumLevels - 1
	for _, f := range v.Files(bottom) {
		if !f.BeingCompacted && f.MarkedForCompaction {
			return f
		}
	}
	return nil
}

func (p *LeveledCompactionPicker) pickBottommostDeletionCompaction(v *version.Version) *Compaction {
	if !p.EnableBottommostGC {
		return nil
	}
	f := p.findBottommostDeletionFile(v)
	if f == nil {
		return nil
	}
	bottom := p.NumLevels - 1
	input := &CompactionInputFiles{Level: bottom, Files: []*manifest.FileMetaData{f}}
	c := NewCompaction([]*CompactionInputFiles{input}, bottom)
	c.Reason = CompactionReasonManualCompaction
	c.MaxOutputFileSize = p.targetFileSizeForLevel(bottom)
	return c
}

func (p *LeveledCompactionPicker) levelOf(v *version.Version, target *manifest.FileMetaData) int {
	for level := 0; level < p.NumLevels; level++ {
		for _, f := range v.Files(level) {
			if f == target {
				return level
			}
		}
	}
	return -1
}
