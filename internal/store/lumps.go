// internal/store/lumps.go
package store

import (
	"bytes"
	"sync"

	"github.com/busybox42/capstone/pkg/types"
	"github.com/sirupsen/logrus"
)

// Lumps is a content-addressed blob store. Lumps are immutable once added
// and are never removed.
type Lumps struct {
	data map[types.LumpID][]byte
	mu   sync.RWMutex
	dir  *dirCAS
	log  logrus.FieldLogger
}

type LumpOption func(*Lumps) error

// WithDir persists lumps under root and serves lumps written by an
// earlier process from there.
func WithDir(root string) LumpOption {
	return func(s *Lumps) error {
		d, err := newDirCAS(root)
		if err != nil {
			return err
		}
		s.dir = d
		return nil
	}
}

func WithLogger(log logrus.FieldLogger) LumpOption {
	return func(s *Lumps) error {
		s.log = log
		return nil
	}
}

// NewMemoryLumps returns a store that lives only in memory. It has no
// failure mode, unlike NewLumps with WithDir.
func NewMemoryLumps(log logrus.FieldLogger) *Lumps {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Lumps{
		data: make(map[types.LumpID][]byte),
		log:  log,
	}
}

func NewLumps(opts ...LumpOption) (*Lumps, error) {
	s := NewMemoryLumps(nil)
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add stores data if no lump with the same digest exists and returns its id.
// Concurrent adds of the same bytes all return the same id; only one copy is kept.
func (s *Lumps) Add(data []byte) types.LumpID {
	id := types.SumLump(data)

	s.mu.RLock()
	_, ok := s.data[id]
	s.mu.RUnlock()
	if ok {
		return id
	}

	buf := bytes.Clone(data)
	if buf == nil {
		buf = []byte{}
	}

	s.mu.Lock()
	_, ok = s.data[id]
	if !ok {
		s.data[id] = buf
	}
	s.mu.Unlock()

	if !ok && s.dir != nil {
		if err := s.dir.put(id, buf); err != nil {
			s.log.WithFields(logrus.Fields{"lump": id, "error": err}).Warn("Failed to persist lump")
		}
	}
	return id
}

// Get returns a private copy of the lump, or false when it is unknown.
func (s *Lumps) Get(id types.LumpID) ([]byte, bool) {
	s.mu.RLock()
	data, ok := s.data[id]
	s.mu.RUnlock()
	if ok {
		return bytes.Clone(data), true
	}
	if s.dir == nil {
		return nil, false
	}

	data, err := s.dir.get(id)
	if err != nil {
		if err != errLumpMissing {
			s.log.WithFields(logrus.Fields{"lump": id, "error": err}).Warn("Ignoring unreadable lump on disk")
		}
		return nil, false
	}

	s.mu.Lock()
	if existing, ok := s.data[id]; ok {
		data = existing
	} else {
		s.data[id] = data
	}
	s.mu.Unlock()
	return bytes.Clone(data), true
}

func (s *Lumps) Has(id types.LumpID) bool {
	s.mu.RLock()
	_, ok := s.data[id]
	s.mu.RUnlock()
	if ok {
		return true
	}
	return s.dir != nil && s.dir.has(id)
}

// Len counts lumps held in memory.
func (s *Lumps) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
