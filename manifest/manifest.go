// Package manifest implements the on-disk listing of WAL and page files: a
// versioned record set, written atomically via write-then-rename, with an
// xxHash64 integrity trailer over the record bytes.
//
// The hash reuses internal/hash, an xxHash64 wrapper over strings (the
// manifest is its only user); dariadb's own ids are already numeric, so
// there is no name-hashing need here, but the manifest's serialized body is
// itself just a string, and gets the same detect-a-truncated-or-torn-write
// guarantee from hashing it the same way.
package manifest

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dariadb-go/dariadb/errs"
	"github.com/dariadb-go/dariadb/internal/hash"
)

// CurrentVersion is the storage format version this build writes and expects.
const CurrentVersion = 1

// FileRole identifies what a manifest-tracked file is used for.
type FileRole string

const (
	RoleWAL  FileRole = "wal"
	RolePage FileRole = "page"
)

// Record describes one file tracked by the manifest.
type Record struct {
	Name   string
	Role   FileRole
	Closed bool // WAL: segment sealed; Page: always true once written
}

// Manifest is the full set of tracked files plus the storage format version.
type Manifest struct {
	Version int
	Records []Record
}

// New creates an empty manifest at CurrentVersion.
func New() *Manifest {
	return &Manifest{Version: CurrentVersion}
}

// Add inserts r, or replaces the existing record for the same name if one
// is already tracked (idempotent re-discovery across restarts). Callers are
// expected to call Save afterward.
func (m *Manifest) Add(r Record) {
	for i := range m.Records {
		if m.Records[i].Name == r.Name {
			m.Records[i] = r

			return
		}
	}

	m.Records = append(m.Records, r)
}

// Remove deletes the record for name, if present.
func (m *Manifest) Remove(name string) {
	for i, r := range m.Records {
		if r.Name == name {
			m.Records = append(m.Records[:i], m.Records[i+1:]...)

			return
		}
	}
}

// MarkClosed flips a WAL record's Closed flag.
func (m *Manifest) MarkClosed(name string) {
	for i := range m.Records {
		if m.Records[i].Name == name {
			m.Records[i].Closed = true

			return
		}
	}
}

// ByRole returns the records matching role, in stored order.
func (m *Manifest) ByRole(role FileRole) []Record {
	var out []Record
	for _, r := range m.Records {
		if r.Role == role {
			out = append(out, r)
		}
	}

	return out
}

const manifestFile = "MANIFEST"

// serialize produces the key-value body (everything but the trailing
// checksum line) in a stable, sorted order so Checksum is deterministic.
func (m *Manifest) serialize() []byte {
	recs := append([]Record(nil), m.Records...)
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })

	var b strings.Builder
	fmt.Fprintf(&b, "storage_version=%d\n", m.Version)

	for _, r := range recs {
		fmt.Fprintf(&b, "file=%s role=%s closed=%t\n", r.Name, r.Role, r.Closed)
	}

	return []byte(b.String())
}

// Checksum returns the xxHash64 of the serialized record body.
func (m *Manifest) Checksum() uint64 {
	return hash.ID(string(m.serialize()))
}

// Save atomically writes the manifest to <dir>/MANIFEST via a temp-file
// write-then-rename, appending an xxHash64 trailer line.
func (m *Manifest) Save(dir string) error {
	body := m.serialize()
	sum := hash.ID(string(body))

	tmp := filepath.Join(dir, manifestFile+".tmp")
	final := filepath.Join(dir, manifestFile)

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %w", errs.ErrIO, err)
	}

	if _, err := f.Write(body); err != nil {
		f.Close()

		return fmt.Errorf("%w: %w", errs.ErrIO, err)
	}
	fmt.Fprintf(f, "checksum=%x\n", sum)

	if err := f.Sync(); err != nil {
		f.Close()

		return fmt.Errorf("%w: %w", errs.ErrIO, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrIO, err)
	}

	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrIO, err)
	}

	return nil
}

// Load reads and validates <dir>/MANIFEST. Returns os.ErrNotExist if the
// directory has no manifest yet (a fresh storage directory).
func Load(dir string) (*Manifest, error) {
	f, err := os.Open(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m := &Manifest{}

	var bodyLines []string
	var wantSum uint64
	var haveSum bool

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "checksum="):
			wantSum, err = strconv.ParseUint(strings.TrimPrefix(line, "checksum="), 16, 64)
			if err != nil {
				return nil, errs.ErrManifestCorrupt
			}
			haveSum = true
		case strings.HasPrefix(line, "storage_version="):
			v, err := strconv.Atoi(strings.TrimPrefix(line, "storage_version="))
			if err != nil {
				return nil, errs.ErrManifestCorrupt
			}
			m.Version = v
			bodyLines = append(bodyLines, line)
		case strings.HasPrefix(line, "file="):
			rec, err := parseRecordLine(line)
			if err != nil {
				return nil, err
			}
			m.Records = append(m.Records, rec)
			bodyLines = append(bodyLines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrIO, err)
	}

	if !haveSum {
		return nil, errs.ErrManifestCorrupt
	}

	gotSum := hash.ID(strings.Join(bodyLines, "\n") + "\n")
	if gotSum != wantSum {
		return nil, errs.ErrManifestCorrupt
	}

	return m, nil
}

func parseRecordLine(line string) (Record, error) {
	fields := strings.Fields(line)

	var r Record
	for _, f := range fields {
		kv := strings.SplitN(f, "=", 2)
		if len(kv) != 2 {
			continue
		}

		switch kv[0] {
		case "file":
			r.Name = kv[1]
		case "role":
			r.Role = FileRole(kv[1])
		case "closed":
			r.Closed = kv[1] == "true"
		}
	}

	if r.Name == "" {
		return Record{}, errs.ErrManifestCorrupt
	}

	return r, nil
}
