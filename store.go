package pagestore

import (
	"fmt"

	"go.uber.org/zap"
)

// PageStore is the top-level facade wiring together the segment allocator,
// the byte-handler pipeline, and structured logging — the page-layer
// equivalent of the teacher's top-level MariDB struct (Mari.go), which also
// bundled the mmap-backed file, its version/resize state, and a node pool
// behind one constructor. Logging here is the ambient-stack piece spec.md
// leaves entirely implicit: compactions, segment growth, corruption reports
// and FSST decisions that go through the PageStore methods below are logged
// via go.uber.org/zap (SPEC_FULL.md §1 "Ambient stack"). The page types'
// own methods, called directly, log nothing.
type PageStore struct {
	Allocator *SegmentAllocator
	Pipeline  *bytePipeline
	Options   PageStoreOptions

	log *zap.Logger
}

// NewPageStore wires a fresh allocator and byte pipeline together under a
// production zap logger.
func NewPageStore(opts PageStoreOptions) (*PageStore, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("pagestore: logger init failed: %w", err)
	}

	pipeline, err := newBytePipeline()
	if err != nil {
		return nil, err
	}

	return &PageStore{
		Allocator: NewSegmentAllocator(),
		Pipeline:  pipeline,
		Options:   opts,
		log:       logger,
	}, nil
}

// Close releases every arena the allocator has outstanding and flushes the
// logger.
func (s *PageStore) Close() error {
	err := s.Allocator.Close()
	_ = s.log.Sync()
	return err
}

// CompactLeaf runs a leaf page's fragmentation-triggered compaction, logging
// the before/after footprint (spec.md §4.4 "Heap compaction").
func (s *PageStore) CompactLeaf(p *KeyValueLeafPage) error {
	before := p.Stats()
	ran, err := p.MaybeCompact()
	if err != nil {
		s.log.Error("leaf compaction failed",
			zap.Uint64("pageKey", uint64(p.PageKey())),
			zap.Error(err))
		return err
	}
	if ran {
		s.log.Info("leaf page compacted",
			zap.Uint64("pageKey", uint64(p.PageKey())),
			zap.Float64("fragmentationBefore", before.Fragmentation),
			zap.Float64("fragmentationAfter", p.Fragmentation()),
			zap.Uint32("heapUsed", p.HeapUsed()))
	}
	return nil
}

// EvaluateFSST runs and logs a leaf page's FSST adoption decision (spec.md
// §4.4 "FSST").
func (s *PageStore) EvaluateFSST(p *KeyValueLeafPage) (bool, error) {
	adopted, err := p.EvaluateFSST()
	if err != nil {
		s.log.Error("FSST evaluation failed", zap.Uint64("pageKey", uint64(p.PageKey())), zap.Error(err))
		return false, err
	}
	s.log.Debug("FSST evaluation",
		zap.Uint64("pageKey", uint64(p.PageKey())),
		zap.Bool("adopted", adopted))
	return adopted, nil
}

// ReportCorruption logs a page-corruption finding, reported up from any
// decode path that returned ErrCorruptPage (spec.md §7).
func (s *PageStore) ReportCorruption(pageKey PageKey, kind PageKind, err error) {
	s.log.Error("page corruption detected",
		zap.Uint64("pageKey", uint64(pageKey)),
		zap.Uint8("kind", uint8(kind)),
		zap.Error(err))
}

// GrowSegment logs a page's backing segment being grown, mirroring the
// teacher's logged mmap resize (IOUtils.go's resizeMmap, the teacher never
// actually logs it — this repo adds the log line that kind of operation
// warrants).
func (s *PageStore) GrowSegment(pageKey PageKey, oldSize, newSize int) {
	s.log.Info("segment grown",
		zap.Uint64("pageKey", uint64(pageKey)),
		zap.Int("oldSize", oldSize),
		zap.Int("newSize", newSize))
}
