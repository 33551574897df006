// Package page implements the immutable on-disk page format: a page file
// packing sorted, compressed chunks plus a companion index file for range
// and time-point queries.
//
// The page_header{magic,version,count,min_time,max_time} layout follows the
// same fixed-size Parse/Bytes convention as chunk.Header, and page-level
// compression is an optional extra layer wired through the pluggable
// compress.Codec, applied to each chunk's body bytes independently of the
// chunk's own delta/XOR/RLE coding.
package page

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dariadb-go/dariadb/format"

	"github.com/dariadb-go/dariadb/chunk"
	"github.com/dariadb-go/dariadb/compress"
	"github.com/dariadb-go/dariadb/errs"
	"github.com/dariadb-go/dariadb/internal/pool"
	"github.com/dariadb-go/dariadb/manifest"
	"github.com/dariadb-go/dariadb/measurement"
	"github.com/dariadb-go/dariadb/query"
)

const pageHeaderMagic uint32 = 0x44415032 // "DAP2"
const pageHeaderSize = 32

// Header is the fixed-size header at the start of every page file.
type Header struct {
	Count   uint32
	MinTime uint64
	MaxTime uint64
}

func (h Header) bytes() []byte {
	b := make([]byte, pageHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], pageHeaderMagic)
	b[4] = 1 // version
	binary.LittleEndian.PutUint32(b[8:12], h.Count)
	binary.LittleEndian.PutUint64(b[12:20], h.MinTime)
	binary.LittleEndian.PutUint64(b[20:28], h.MaxTime)

	return b
}

func parsePageHeader(b []byte) (Header, error) {
	if len(b) != pageHeaderSize {
		return Header{}, errs.ErrInvalidHeaderSize
	}
	if binary.LittleEndian.Uint32(b[0:4]) != pageHeaderMagic {
		return Header{}, errs.ErrInvalidHeaderFlags
	}

	return Header{
		Count:   binary.LittleEndian.Uint32(b[8:12]),
		MinTime: binary.LittleEndian.Uint64(b[12:20]),
		MaxTime: binary.LittleEndian.Uint64(b[20:28]),
	}, nil
}

// IndexEntry locates one chunk's bytes within a page file and summarizes
// its id's time bounds, allowing a reader to skip decompressing chunks that
// cannot match a query.
type IndexEntry struct {
	ID       uint64
	MinTime  uint64
	MaxTime  uint64
	Offset   int64
	Length   int64
	RawLen   int64 // decompressed length, for page-compressed bodies
}

const indexEntrySize = 56

func (e IndexEntry) bytes() []byte {
	b := make([]byte, indexEntrySize)
	binary.LittleEndian.PutUint64(b[0:8], e.ID)
	binary.LittleEndian.PutUint64(b[8:16], e.MinTime)
	binary.LittleEndian.PutUint64(b[16:24], e.MaxTime)
	binary.LittleEndian.PutUint64(b[24:32], uint64(e.Offset))
	binary.LittleEndian.PutUint64(b[32:40], uint64(e.Length))
	binary.LittleEndian.PutUint64(b[40:48], uint64(e.RawLen))

	return b
}

func parseIndexEntry(b []byte) IndexEntry {
	return IndexEntry{
		ID:      binary.LittleEndian.Uint64(b[0:8]),
		MinTime: binary.LittleEndian.Uint64(b[8:16]),
		MaxTime: binary.LittleEndian.Uint64(b[16:24]),
		Offset:  int64(binary.LittleEndian.Uint64(b[24:32])),
		Length:  int64(binary.LittleEndian.Uint64(b[32:40])),
		RawLen:  int64(binary.LittleEndian.Uint64(b[40:48])),
	}
}

// Page is an opened, immutable page file plus its parsed index.
type Page struct {
	path    string
	header  Header
	index   []IndexEntry
	codec   compress.Codec
	ctype   format.CompressionType
}

func indexPath(pagePath string) string {
	return pagePath + "i"
}

// Write creates a new page file at path from chunks (which need not be
// pre-sorted; Write sorts them by (id, min_time)), applying an optional
// page-level compression codec to each chunk's body.
func Write(path string, chunks []*chunk.Chunk, ctype format.CompressionType) (*Page, error) {
	sorted := append([]*chunk.Chunk(nil), chunks...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Header.ID != sorted[j].Header.ID {
			return sorted[i].Header.ID < sorted[j].Header.ID
		}

		return sorted[i].Header.MinTime < sorted[j].Header.MinTime
	})

	codec, err := compress.CreateCodec(ctype, "page")
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrIO, err)
	}
	defer f.Close()

	var minTime, maxTime uint64
	first := true
	entries := make([]IndexEntry, 0, len(sorted))

	offset := int64(pageHeaderSize)
	if _, err := f.Write(Header{}.bytes()); err != nil { // placeholder, rewritten below
		return nil, fmt.Errorf("%w: %w", errs.ErrIO, err)
	}

	for _, c := range sorted {
		c.Close()

		body := c.Body()
		raw := len(body)

		compressed, err := codec.Compress(body)
		if err != nil {
			return nil, err
		}

		hdrBytes := c.Header.Bytes()
		if _, err := f.Write(hdrBytes); err != nil {
			return nil, fmt.Errorf("%w: %w", errs.ErrIO, err)
		}
		if _, err := f.Write(compressed); err != nil {
			return nil, fmt.Errorf("%w: %w", errs.ErrIO, err)
		}

		entries = append(entries, IndexEntry{
			ID: c.Header.ID, MinTime: c.Header.MinTime, MaxTime: c.Header.MaxTime,
			Offset: offset + int64(chunk.HeaderSize), Length: int64(len(compressed)), RawLen: int64(raw),
		})
		offset += int64(chunk.HeaderSize) + int64(len(compressed))

		if first || c.Header.MinTime < minTime {
			minTime = c.Header.MinTime
		}
		if first || c.Header.MaxTime > maxTime {
			maxTime = c.Header.MaxTime
		}
		first = false
	}

	hdr := Header{Count: uint32(len(sorted)), MinTime: minTime, MaxTime: maxTime} //nolint:gosec

	if _, err := f.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrIO, err)
	}
	if _, err := f.Write(hdr.bytes()); err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrIO, err)
	}

	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrIO, err)
	}

	if err := writeIndex(indexPath(path), entries); err != nil {
		return nil, err
	}

	return &Page{path: path, header: hdr, index: entries, codec: codec, ctype: ctype}, nil
}

func writeIndex(path string, entries []IndexEntry) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %w", errs.ErrIO, err)
	}
	defer f.Close()

	// Batch every entry into one pooled buffer instead of one f.Write per
	// entry, the same per-write-syscall-avoidance concern internal/pool's
	// ByteBuffer exists for in the teacher.
	buf := pool.GetBlobBuffer()
	defer pool.PutBlobBuffer(buf)

	buf.Grow(len(entries) * indexEntrySize)
	for _, e := range entries {
		buf.MustWrite(e.bytes())
	}

	if _, err := buf.WriteTo(f); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrIO, err)
	}

	return f.Sync()
}

func readIndex(path string) ([]IndexEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data)%indexEntrySize != 0 {
		return nil, errs.ErrManifestCorrupt
	}

	entries := make([]IndexEntry, 0, len(data)/indexEntrySize)
	for off := 0; off < len(data); off += indexEntrySize {
		entries = append(entries, parseIndexEntry(data[off:off+indexEntrySize]))
	}

	return entries, nil
}

// Open opens an existing page file, reading its index (rebuilding from the
// page body if the index file is missing or malformed).
func Open(path string, ctype format.CompressionType) (*Page, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrIO, err)
	}
	if len(raw) < pageHeaderSize {
		return nil, errs.ErrInvalidHeaderSize
	}

	hdr, err := parsePageHeader(raw[:pageHeaderSize])
	if err != nil {
		return nil, err
	}

	codec, err := compress.CreateCodec(ctype, "page")
	if err != nil {
		return nil, err
	}

	entries, err := readIndex(indexPath(path))
	if err != nil {
		entries, err = rebuildIndex(raw, hdr)
		if err != nil {
			return nil, err
		}
	}

	return &Page{path: path, header: hdr, index: entries, codec: codec, ctype: ctype}, nil
}

func rebuildIndex(raw []byte, hdr Header) ([]IndexEntry, error) {
	entries := make([]IndexEntry, 0, hdr.Count)
	off := int64(pageHeaderSize)

	for range hdr.Count {
		if off+int64(chunk.HeaderSize) > int64(len(raw)) {
			break
		}

		h, err := chunk.ParseHeader(raw[off : off+int64(chunk.HeaderSize)])
		if err != nil {
			break
		}

		bodyOff := off + int64(chunk.HeaderSize)
		bodyLen := int64(h.BytesUsed)
		if bodyOff+bodyLen > int64(len(raw)) {
			break
		}

		entries = append(entries, IndexEntry{
			ID: h.ID, MinTime: h.MinTime, MaxTime: h.MaxTime,
			Offset: bodyOff, Length: bodyLen, RawLen: bodyLen,
		})
		off = bodyOff + bodyLen
	}

	return entries, nil
}

func (p *Page) readChunkAt(raw []byte, e IndexEntry) (*chunk.Chunk, error) {
	hdrStart := e.Offset - int64(chunk.HeaderSize)
	h, err := chunk.ParseHeader(raw[hdrStart:e.Offset])
	if err != nil {
		return nil, err
	}

	compressed := raw[e.Offset : e.Offset+e.Length]

	body, err := p.codec.Decompress(compressed)
	if err != nil {
		return nil, err
	}

	c := chunk.FromStored(h, body)
	if err := c.VerifyCRC(); err != nil {
		return nil, err
	}

	return c, nil
}

// MinTime returns the page's lowest stored timestamp.
func (p *Page) MinTime() uint64 { return p.header.MinTime }

// MaxTime returns the page's highest stored timestamp.
func (p *Page) MaxTime() uint64 { return p.header.MaxTime }

// Path returns the page file's path.
func (p *Page) Path() string { return p.path }

// Foreach enumerates chunks matching q.IDs whose index entry overlaps
// [q.From, q.To], decompressing and filtering each measurement.
func (p *Page) Foreach(q query.Interval, fn func(measurement.Measurement)) error {
	if p.header.MaxTime < q.From || p.header.MinTime > q.To {
		return nil
	}

	raw, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("%w: %w", errs.ErrIO, err)
	}

	for _, e := range p.index {
		if !query.Matches(q.IDs, e.ID) {
			continue
		}
		if e.MaxTime < q.From || e.MinTime > q.To {
			continue
		}

		c, err := p.readChunkAt(raw, e)
		if err != nil {
			continue
		}

		for m := range c.Reader() {
			if m.Time < q.From || m.Time > q.To || !m.MatchFlag(q.Flag) {
				continue
			}
			fn(m)
		}
	}

	return nil
}

// ValuesBeforeTimePoint returns, for each requested id present in this
// page, the last measurement with time <= q.At, selecting the candidate
// chunk with the greatest min_time <= q.At.
func (p *Page) ValuesBeforeTimePoint(q query.TimePoint) (map[uint64]measurement.Measurement, error) {
	out := make(map[uint64]measurement.Measurement)
	if p.header.MinTime > q.At {
		return out, nil
	}

	raw, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrIO, err)
	}

	best := make(map[uint64]IndexEntry)
	for _, e := range p.index {
		if !query.Matches(q.IDs, e.ID) || e.MinTime > q.At {
			continue
		}
		if cur, ok := best[e.ID]; !ok || e.MinTime > cur.MinTime {
			best[e.ID] = e
		}
	}

	for id, e := range best {
		c, err := p.readChunkAt(raw, e)
		if err != nil {
			continue
		}

		var latest measurement.Measurement
		found := false
		for m := range c.Reader() {
			if m.Time > q.At || !m.MatchFlag(q.Flag) {
				continue
			}
			latest = m
			found = true
		}

		if found {
			out[id] = latest
		}
	}

	return out, nil
}

// Index returns the page's parsed index entries.
func (p *Page) Index() []IndexEntry { return append([]IndexEntry(nil), p.index...) }

// Manager owns a directory's worth of page files: creation, enumeration,
// retention (eraseOld) and compaction, all serialized for mutation through
// an external lock manager (the caller is expected to hold the PAGE
// exclusive lock before calling EraseOld/CompactTo/CompactByTime).
type Manager struct {
	mu     sync.Mutex
	dir    string
	ctype  format.CompressionType
	man    *manifest.Manifest
	pages  []*Page
	nextID int
}

// NewManager opens every *.page file already present in dir, registering
// each one with man (the manifest's page-file listing is rebuilt from
// what's actually on disk, the same self-discovery policy wal.NewManager
// uses for segments).
func NewManager(dir string, ctype format.CompressionType, man *manifest.Manifest) (*Manager, error) {
	m := &Manager{dir: dir, ctype: ctype, man: man}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}

		return nil, fmt.Errorf("%w: %w", errs.ErrIO, err)
	}

	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".page" {
			continue
		}

		pg, err := Open(filepath.Join(dir, e.Name()), ctype)
		if err != nil {
			continue
		}

		m.pages = append(m.pages, pg)
		m.man.Add(manifest.Record{Name: e.Name(), Role: manifest.RolePage, Closed: true})

		if idx, ok := pageIndex(e.Name()); ok && idx >= m.nextID {
			m.nextID = idx + 1
		}
	}

	return m, nil
}

// pageIndex parses the numeric sequence out of a page file name produced by
// the "%08d.page" naming scheme.
func pageIndex(name string) (int, bool) {
	base := strings.TrimSuffix(name, ".page")

	n, err := strconv.Atoi(base)
	if err != nil {
		return 0, false
	}

	return n, true
}

// AppendChunks writes a new page file from chunks and registers it with the
// manifest. A page is always written as a complete, closed file.
func (m *Manager) AppendChunks(chunks []*chunk.Chunk) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := fmt.Sprintf("%08d.page", m.nextID)
	m.nextID++

	pg, err := Write(filepath.Join(m.dir, name), chunks, m.ctype)
	if err != nil {
		return nil, err
	}

	m.pages = append(m.pages, pg)
	m.man.Add(manifest.Record{Name: name, Role: manifest.RolePage, Closed: true})

	return pg, nil
}

// Foreach enumerates every page overlapping q, merging the results through fn.
func (m *Manager) Foreach(q query.Interval, fn func(measurement.Measurement)) error {
	m.mu.Lock()
	pages := append([]*Page(nil), m.pages...)
	m.mu.Unlock()

	for _, pg := range pages {
		if err := pg.Foreach(q, fn); err != nil {
			return err
		}
	}

	return nil
}

// ValuesBeforeTimePoint merges ValuesBeforeTimePoint across every page,
// keeping the latest measurement per id across pages.
func (m *Manager) ValuesBeforeTimePoint(q query.TimePoint) (map[uint64]measurement.Measurement, error) {
	m.mu.Lock()
	pages := append([]*Page(nil), m.pages...)
	m.mu.Unlock()

	out := make(map[uint64]measurement.Measurement)

	for _, pg := range pages {
		res, err := pg.ValuesBeforeTimePoint(q)
		if err != nil {
			return nil, err
		}

		for id, m := range res {
			if cur, ok := out[id]; !ok || m.Time > cur.Time {
				out[id] = m
			}
		}
	}

	return out, nil
}

// EraseOld deletes page files whose max_time < t. The decision is per-file.
func (m *Manager) EraseOld(t uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.pages[:0]

	for _, pg := range m.pages {
		if pg.MaxTime() < t {
			if err := os.Remove(pg.path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("%w: %w", errs.ErrIO, err)
			}
			_ = os.Remove(indexPath(pg.path))
			m.man.Remove(filepath.Base(pg.path))

			continue
		}

		kept = append(kept, pg)
	}

	m.pages = kept

	return nil
}

// CompactTo merges all pages down to at most n output pages, decompressing
// every chunk, re-sorting by (id, time), and re-emitting. Inputs are
// deleted only after the outputs are fsynced.
func (m *Manager) CompactTo(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pages) <= n {
		return nil
	}

	inputs := m.pages
	m.pages = nil

	return m.compactLocked(inputs, n)
}

// CompactByTime merges every page whose [min,max] lies within [from,to]
// into a single output page.
func (m *Manager) CompactByTime(from, to uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var targets []*Page
	var rest []*Page

	for _, pg := range m.pages {
		if pg.MinTime() >= from && pg.MaxTime() <= to {
			targets = append(targets, pg)
		} else {
			rest = append(rest, pg)
		}
	}

	if len(targets) <= 1 {
		return nil
	}

	m.pages = rest

	return m.compactLocked(targets, 1)
}

// compactLocked merges input pages into outputCount output pages. Caller
// holds m.mu and has already excluded inputs that should survive untouched.
func (m *Manager) compactLocked(inputs []*Page, outputCount int) error {
	allMeasurements := make(map[uint64][]measurement.Measurement)

	for _, pg := range inputs {
		raw, err := os.ReadFile(pg.path)
		if err != nil {
			return fmt.Errorf("%w: %w", errs.ErrIO, err)
		}

		for _, e := range pg.index {
			c, err := pg.readChunkAt(raw, e)
			if err != nil {
				continue
			}

			for mm := range c.Reader() {
				allMeasurements[mm.ID] = append(allMeasurements[mm.ID], mm)
			}
		}
	}

	var allChunks []*chunk.Chunk
	for _, ms := range allMeasurements {
		sort.Slice(ms, func(i, j int) bool { return ms[i].Time < ms[j].Time })

		c := chunk.New(compactionChunkSize)
		for _, mm := range ms {
			if c.Append(mm) == chunk.Full {
				c.Close()
				allChunks = append(allChunks, c)
				c = chunk.New(compactionChunkSize)
				c.Append(mm)
			}
		}
		c.Close()
		allChunks = append(allChunks, c)
	}

	remaining := m.pages
	var newPages []*Page

	if outputCount <= 1 {
		name := fmt.Sprintf("%08d.page", m.nextID)
		m.nextID++

		pg, err := Write(filepath.Join(m.dir, name), allChunks, m.ctype)
		if err != nil {
			return err
		}

		m.man.Add(manifest.Record{Name: name, Role: manifest.RolePage, Closed: true})
		newPages = append(newPages, pg)
	} else {
		perPage := (len(allChunks) + outputCount - 1) / outputCount
		if perPage == 0 {
			perPage = 1
		}

		for i := 0; i < len(allChunks); i += perPage {
			end := i + perPage
			if end > len(allChunks) {
				end = len(allChunks)
			}

			name := fmt.Sprintf("%08d.page", m.nextID)
			m.nextID++

			pg, err := Write(filepath.Join(m.dir, name), allChunks[i:end], m.ctype)
			if err != nil {
				return err
			}

			m.man.Add(manifest.Record{Name: name, Role: manifest.RolePage, Closed: true})
			newPages = append(newPages, pg)
		}
	}

	// Inputs are deleted only after the outputs above are written and
	// fsynced, and the manifest drops them only once the new pages are
	// already registered in it, per spec.md §4.7's compact ordering.
	for _, pg := range inputs {
		_ = os.Remove(pg.path)
		_ = os.Remove(indexPath(pg.path))
		m.man.Remove(filepath.Base(pg.path))
	}

	m.pages = append(remaining, newPages...)

	return nil
}

// compactionChunkSize is the byte budget used when re-chunking during
// compaction; the write path's chunk size policy lives in engine.Settings.
const compactionChunkSize = 1 << 16

// Fsck rebuilds missing/corrupted index files and verifies every chunk's
// CRC, dropping unrecoverable chunks. Returns counts of chunks checked and
// dropped.
func (m *Manager) Fsck() (checked, dropped int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pg := range m.pages {
		raw, rerr := os.ReadFile(pg.path)
		if rerr != nil {
			err = fmt.Errorf("%w: %w", errs.ErrIO, rerr)

			continue
		}

		good := pg.index[:0]

		for _, e := range pg.index {
			checked++

			if _, cerr := pg.readChunkAt(raw, e); cerr != nil {
				dropped++

				continue
			}

			good = append(good, e)
		}

		pg.index = good
		_ = writeIndex(indexPath(pg.path), pg.index)
	}

	return checked, dropped, err
}

// PageCount returns the number of open page files.
func (m *Manager) PageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.pages)
}

// ChunkCount returns the total number of chunks across all open pages.
func (m *Manager) ChunkCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, pg := range m.pages {
		n += len(pg.index)
	}

	return n
}
