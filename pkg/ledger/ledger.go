// Package ledger implements the durable per-UUID append-only entry store
// shared by all clients joined to the same session.
package ledger

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Yaimsputnik5/multi-server/pkg/keyset"
	"github.com/Yaimsputnik5/multi-server/pkg/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Ledger is an open append-only entry log. The in-memory index and key set
// are a faithful projection of the data file; they are rebuilt by scanning
// the file on open.
type Ledger struct {
	id   int
	uuid uuid.UUID
	file *os.File

	index []uint32 // index[i] is the byte offset of entry i
	size  uint32   // current file length
	keys  *keyset.Set

	refs int
}

// UUID returns the ledger identifier.
func (l *Ledger) UUID() uuid.UUID {
	return l.uuid
}

// Count returns the number of entries.
func (l *Ledger) Count() uint32 {
	return uint32(len(l.index))
}

// Size returns the data file length in bytes.
func (l *Ledger) Size() uint32 {
	return l.size
}

// Contains reports whether an entry with the given key has been stored.
func (l *Ledger) Contains(key uint64) bool {
	return l.keys.Contains(key)
}

// Append stores the entry if its key is unseen and reports whether it was
// written; a duplicate key is a silent no-op, so clients re-sending after a
// reconnect are safe. On return with written == true the entry is on durable
// media. An error means the ledger can no longer be trusted and must be
// treated as fatal by the caller.
func (l *Ledger) Append(h wire.EntryHeader, payload []byte) (written bool, err error) {
	if l.keys.Contains(h.Key) {
		return false, nil
	}

	rec := make([]byte, h.StoredSize())
	h.Encode(rec)
	copy(rec[wire.HeaderSize:], payload)

	if _, err := l.file.Write(rec); err != nil {
		return false, fmt.Errorf("append entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return false, fmt.Errorf("sync: %w", err)
	}

	l.index = append(l.index, l.size)
	l.size += uint32(len(rec))
	l.keys.Add(h.Key)
	return true, nil
}

// ReadEntry reads entry i back from the data file.
func (l *Ledger) ReadEntry(i uint32) (wire.EntryHeader, []byte, error) {
	if i >= l.Count() {
		return wire.EntryHeader{}, nil, fmt.Errorf("entry %d out of range (count %d)", i, l.Count())
	}
	off := int64(l.index[i])

	var hdr [wire.HeaderSize]byte
	if _, err := l.file.ReadAt(hdr[:], off); err != nil {
		return wire.EntryHeader{}, nil, fmt.Errorf("read entry %d header: %w", i, err)
	}
	h := wire.DecodeHeader(hdr[:])

	payload := make([]byte, h.Size)
	if h.Size != 0 {
		if _, err := l.file.ReadAt(payload, off+wire.HeaderSize); err != nil {
			return wire.EntryHeader{}, nil, fmt.Errorf("read entry %d payload: %w", i, err)
		}
	}
	return h, payload, nil
}

// rebuild scans the data file header-by-header, reconstructing the offset
// index and key set. A record that would overrun the file is a fatal open
// error.
func (l *Ledger) rebuild() error {
	fi, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	length := uint32(fi.Size())

	var hdr [wire.HeaderSize]byte
	for l.size < length {
		if _, err := l.file.ReadAt(hdr[:], int64(l.size)); err != nil {
			return fmt.Errorf("read entry header at offset %d: %w", l.size, err)
		}
		h := wire.DecodeHeader(hdr[:])
		stored := uint32(h.StoredSize())
		if l.size+stored > length {
			return fmt.Errorf("truncated entry at offset %d", l.size)
		}
		l.keys.Add(h.Key)
		l.index = append(l.index, l.size)
		l.size += stored
	}
	return nil
}

// Store owns every open ledger. Slots are reused after a ledger closes, and
// the slot index is the stable id clients hold while joined. Not safe for
// concurrent use; the server event loop is the single owner.
type Store struct {
	log zerolog.Logger
	dir string

	ledgers []*Ledger
}

// NewStore creates the store, ensuring the ledgers directory exists under
// dataDir.
func NewStore(log zerolog.Logger, dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "ledgers")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledgers directory: %w", err)
	}
	return &Store{
		log:     log.With().Str("component", "ledger").Logger(),
		dir:     dir,
		ledgers: make([]*Ledger, 0, 4),
	}, nil
}

// Open returns the slab id of the ledger for u, incrementing its reference
// count. The ledger is loaded from disk if no client currently references
// it, in which case loaded is true.
func (s *Store) Open(u uuid.UUID) (id int, loaded bool, err error) {
	for id, l := range s.ledgers {
		if l != nil && l.uuid == u {
			l.refs++
			return id, false, nil
		}
	}

	l, err := s.load(u)
	if err != nil {
		return -1, false, err
	}
	l.refs = 1

	for id, v := range s.ledgers {
		if v == nil {
			l.id = id
			s.ledgers[id] = l
			return id, true, nil
		}
	}
	l.id = len(s.ledgers)
	s.ledgers = append(s.ledgers, l)
	return l.id, true, nil
}

func (s *Store) load(u uuid.UUID) (*Ledger, error) {
	name := hex.EncodeToString(u[:])
	dir := filepath.Join(s.dir, name[:2], name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "data"), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger data: %w", err)
	}

	l := &Ledger{
		uuid:  u,
		file:  f,
		index: make([]uint32, 0, 512),
		keys:  keyset.New(),
	}
	if err := l.rebuild(); err != nil {
		f.Close()
		return nil, fmt.Errorf("rebuild ledger %s: %w", name, err)
	}

	s.log.Info().
		Str("ledger", name).
		Uint32("entries", l.Count()).
		Uint32("bytes", l.size).
		Msg("loaded")
	return l, nil
}

// Get returns the ledger in slot id, or nil if the slot is free.
func (s *Store) Get(id int) *Ledger {
	if id < 0 || id >= len(s.ledgers) {
		return nil
	}
	return s.ledgers[id]
}

// Release decrements the reference count of slot id, closing the ledger when
// it drops to zero. It reports whether the ledger was closed.
func (s *Store) Release(id int) bool {
	l := s.Get(id)
	if l == nil {
		return false
	}
	l.refs--
	if l.refs > 0 {
		return false
	}
	s.Close(id)
	return true
}

// Close closes the ledger in slot id regardless of its reference count and
// frees the slot.
func (s *Store) Close(id int) {
	l := s.Get(id)
	if l == nil {
		return
	}
	l.file.Close()
	s.ledgers[id] = nil
	s.log.Debug().Str("ledger", hex.EncodeToString(l.uuid[:])).Msg("closed")
}

// CloseAll closes every open ledger. Used on shutdown.
func (s *Store) CloseAll() {
	for id := range s.ledgers {
		s.Close(id)
	}
}
