package uds

import "sync"

// DTC status bits per ISO 14229-1 D.2.
const (
	DTCStatusTestFailed                 = 0x01
	DTCStatusTestFailedThisCycle        = 0x02
	DTCStatusPending                    = 0x04
	DTCStatusConfirmed                  = 0x08
	DTCStatusTestNotCompletedSinceClear = 0x10
	DTCStatusTestFailedSinceClear       = 0x20
	DTCStatusTestNotCompletedThisCycle  = 0x40
	DTCStatusWarningIndicatorRequested  = 0x80
)

// GroupAllDTCs is the group-of-DTC wildcard accepted by
// ClearDiagnosticInformation.
const GroupAllDTCs = 0xFFFFFF

// DTC is one stored diagnostic trouble code: a 3-byte code with its status.
type DTC struct {
	Code   uint32 // 24-bit
	Status byte
}

// DTCStore holds the fault memory of an ECU.
type DTCStore struct {
	mu   sync.Mutex
	dtcs []DTC

	// AvailabilityMask is reported with every ReadDTCInformation response.
	AvailabilityMask byte
}

func NewDTCStore() *DTCStore {
	return &DTCStore{AvailabilityMask: 0xFF}
}

// Set records a DTC, replacing the status of an existing entry with the same
// code.
func (s *DTCStore) Set(code uint32, status byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.dtcs {
		if s.dtcs[i].Code == code {
			s.dtcs[i].Status = status
			return
		}
	}
	s.dtcs = append(s.dtcs, DTC{Code: code & 0xFFFFFF, Status: status})
}

// ByStatusMask returns the stored DTCs whose status shares at least one bit
// with mask, in insertion order.
func (s *DTCStore) ByStatusMask(mask byte) []DTC {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DTC
	for _, d := range s.dtcs {
		if d.Status&mask != 0 {
			out = append(out, d)
		}
	}
	return out
}

// ClearGroup erases the DTCs belonging to a group. The 0xFFFFFF wildcard
// clears everything; a specific code clears that single entry.
func (s *DTCStore) ClearGroup(group uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if group == GroupAllDTCs {
		s.dtcs = nil
		return
	}
	kept := s.dtcs[:0]
	for _, d := range s.dtcs {
		if d.Code != group {
			kept = append(kept, d)
		}
	}
	s.dtcs = kept
}

// Count returns the number of stored DTCs matching mask.
func (s *DTCStore) Count(mask byte) int {
	return len(s.ByStatusMask(mask))
}
