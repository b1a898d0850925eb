package uds

import "sync"

// Well-known data identifiers.
const (
	DIDVIN                = 0xF190
	DIDActiveSession      = 0xF186
	DIDECUSoftwareVersion = 0xF195
	DIDECUSerialNumber    = 0xF18C
)

// DataIdentifier describes one DID exposed by the server. WriteSession,
// when nonzero, names the session writes are restricted to; WriteLevel,
// when nonzero, is the security level required to write.
type DataIdentifier struct {
	Value        []byte
	ReadOnly     bool
	WriteSession SessionType
	WriteLevel   byte
}

// DIDStore holds the identifiers a server serves for 0x22/0x2E.
type DIDStore struct {
	mu   sync.Mutex
	dids map[uint16]*DataIdentifier
}

func NewDIDStore() *DIDStore {
	return &DIDStore{dids: make(map[uint16]*DataIdentifier)}
}

// Register adds or replaces a data identifier.
func (s *DIDStore) Register(id uint16, d DataIdentifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.Value = append([]byte{}, d.Value...)
	s.dids[id] = &d
}

// Read returns the current value, or nil if the identifier is unknown.
func (s *DIDStore) Read(id uint16) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dids[id]
	if !ok {
		return nil
	}
	return append([]byte{}, d.Value...)
}

// Lookup returns the descriptor for permission checks.
func (s *DIDStore) Lookup(id uint16) (DataIdentifier, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dids[id]
	if !ok {
		return DataIdentifier{}, false
	}
	return *d, true
}

// Write replaces the value of a known, writable identifier.
func (s *DIDStore) Write(id uint16, value []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dids[id]
	if !ok || d.ReadOnly {
		return false
	}
	d.Value = append([]byte{}, value...)
	return true
}
