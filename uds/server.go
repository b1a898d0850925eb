package uds

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cantools/canstack/tp"
)

// maxResponsePending caps the number of 0x78 interim responses per request.
const maxResponsePending = 10

// ServerConfig carries the tunable parts of an ECU diagnostic server.
type ServerConfig struct {
	Timing       SessionTiming
	KeyAlgorithm KeyAlgorithm
	SeedLength   int
	MaxAttempts  int
	LockoutDelay time.Duration

	// MaxBlockLength is reported in RequestDownload/RequestUpload responses.
	MaxBlockLength int

	// OnReset is called after a positive ECUReset response, with the reset
	// sub-function.
	OnReset func(sub byte)

	// OnDownloadComplete receives the verified image at RequestTransferExit.
	// A nonzero return is sent as the NRC.
	OnDownloadComplete func(address uint32, data []byte) byte

	// ReadMemory serves RequestUpload. Nil rejects uploads.
	ReadMemory func(address, size uint32) ([]byte, byte)
}

// Server is the ECU side of the diagnostic application layer. It owns the
// session state, security handshake, fault memory and transfer machinery,
// and dispatches incoming service requests to their handlers.
type Server struct {
	cfg ServerConfig
	log zerolog.Logger

	// mu serializes dispatch, S3 expiry and the state getters. A request
	// abandoned after the response-pending limit may still be running in its
	// goroutine when the next one arrives.
	mu       sync.Mutex
	session  SessionType
	security securityState
	transfer transferState

	DIDs     *DIDStore
	DTCs     *DTCStore
	Routines *RoutineRegistry
}

func NewServer(cfg ServerConfig, logger zerolog.Logger) *Server {
	if cfg.Timing == (SessionTiming{}) {
		cfg.Timing = DefaultSessionTiming()
	}
	if cfg.MaxBlockLength == 0 {
		cfg.MaxBlockLength = 0x0102
	}
	secCfg := defaultSecurityConfig()
	if cfg.SeedLength > 0 {
		secCfg.seedLength = cfg.SeedLength
	}
	if cfg.MaxAttempts > 0 {
		secCfg.maxAttempts = cfg.MaxAttempts
	}
	if cfg.LockoutDelay > 0 {
		secCfg.lockoutDelay = cfg.LockoutDelay
	}
	return &Server{
		cfg:      cfg,
		log:      logger,
		session:  SessionDefault,
		security: securityState{cfg: secCfg, algorithm: cfg.KeyAlgorithm},
		DIDs:     NewDIDStore(),
		DTCs:     NewDTCStore(),
		Routines: NewRoutineRegistry(),
	}
}

// Session returns the active diagnostic session.
func (s *Server) Session() SessionType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// SecurityUnlocked reports the granted security level, 0 when locked.
func (s *Server) SecurityUnlocked() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.security.unlockedLevel
}

// Serve pumps requests from the transport until the context is cancelled,
// supervising the S3 session timeout between them.
func (s *Server) Serve(ctx context.Context, t *tp.Transport) {
	s3 := time.NewTimer(s.cfg.Timing.S3)
	defer s3.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-t.Received():
			s.Handle(req, func(resp []byte) {
				if err := t.Send(resp); err != nil {
					s.log.Error().Err(err).Msg("failed to queue response")
				}
			})
			if !s3.Stop() {
				select {
				case <-s3.C:
				default:
				}
			}
			s3.Reset(s.cfg.Timing.S3)
		case <-s3.C:
			s.sessionTimeout()
			s3.Reset(s.cfg.Timing.S3)
		}
	}
}

// sessionTimeout is the S3 expiry action: fall back to the default session
// and drop everything the non-default session granted.
func (s *Server) sessionTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == SessionDefault {
		return
	}
	s.log.Info().Stringer("from", s.session).Msg("session expired, returning to default")
	s.session = SessionDefault
	s.security.relock()
	s.transfer.reset()
}

// Handle processes one request and emits zero or more responses: interim
// `7F SID 78` frames while the handler is still working, then the final
// positive or negative response. Suppressed positive responses emit nothing.
func (s *Server) Handle(req []byte, emit func([]byte)) {
	if len(req) == 0 {
		return
	}

	done := make(chan []byte, 1)
	go func() { done <- s.dispatch(req) }()

	timer := time.NewTimer(s.cfg.Timing.P2 * 9 / 10)
	defer timer.Stop()
	pending := 0
	for {
		select {
		case resp := <-done:
			if resp != nil {
				emit(resp)
			}
			return
		case <-timer.C:
			pending++
			if pending > maxResponsePending {
				emit(negativeResponse(req[0], NRCGeneralReject))
				return
			}
			emit(negativeResponse(req[0], NRCResponsePending))
			timer.Reset(s.cfg.Timing.P2Star * 9 / 10)
		}
	}
}

func negativeResponse(sid, nrc byte) []byte {
	return []byte{NegativeResponseSID, sid, nrc}
}

// sessionGate returns the NRC refusing a service in the current session, or
// zero when the service is allowed.
func (s *Server) sessionGate(sid byte) byte {
	switch sid {
	case SIDSecurityAccess, SIDWriteDataByIdentifier, SIDRoutineControl:
		if s.session == SessionDefault {
			return NRCServiceNotSupportedInActiveSession
		}
	case SIDRequestDownload, SIDRequestUpload, SIDTransferData, SIDRequestTransferExit:
		if s.session != SessionProgramming {
			return NRCServiceNotSupportedInActiveSession
		}
	}
	return 0
}

func (s *Server) dispatch(req []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	sid := req[0]
	s.log.Debug().
		Str("service", serviceName(sid)).
		Hex("request", req).
		Stringer("session", s.session).
		Msg("request received")

	if nrc := s.sessionGate(sid); nrc != 0 {
		return negativeResponse(sid, nrc)
	}

	switch sid {
	case SIDDiagnosticSessionControl:
		return s.handleSessionControl(req)
	case SIDECUReset:
		return s.handleECUReset(req)
	case SIDTesterPresent:
		return s.handleTesterPresent(req)
	case SIDReadDataByIdentifier:
		return s.handleReadDataByID(req)
	case SIDWriteDataByIdentifier:
		return s.handleWriteDataByID(req)
	case SIDSecurityAccess:
		return s.handleSecurityAccess(req)
	case SIDReadDTCInformation:
		return s.handleReadDTC(req)
	case SIDClearDiagnosticInfo:
		return s.handleClearDTC(req)
	case SIDRoutineControl:
		return s.handleRoutineControl(req)
	case SIDRequestDownload:
		return s.handleRequestDownload(req)
	case SIDRequestUpload:
		return s.handleRequestUpload(req)
	case SIDTransferData:
		return s.handleTransferData(req)
	case SIDRequestTransferExit:
		return s.handleTransferExit(req)
	default:
		return negativeResponse(sid, NRCServiceNotSupported)
	}
}

// subFunction splits the suppress-positive-response bit from a sub-function
// byte.
func subFunction(b byte) (sub byte, suppress bool) {
	return b & 0x7F, b&SuppressPosRspMsgIndication != 0
}

func (s *Server) handleSessionControl(req []byte) []byte {
	if len(req) != 2 {
		return negativeResponse(req[0], NRCIncorrectMessageLength)
	}
	sub, suppress := subFunction(req[1])
	st := SessionType(sub)
	if !st.Valid() {
		return negativeResponse(req[0], NRCSubFunctionNotSupported)
	}
	// The programming session is only reachable from a non-default session.
	if st == SessionProgramming && s.session == SessionDefault {
		return negativeResponse(req[0], NRCSubFunctionNotSupportedInActiveSession)
	}

	// Any transition, including re-entering the same session, drops granted
	// security access and aborts an in-flight transfer.
	s.security.relock()
	s.transfer.reset()
	prev := s.session
	s.session = st
	s.log.Info().Stringer("from", prev).Stringer("to", st).Msg("session transition")

	if suppress {
		return nil
	}
	resp := []byte{SIDDiagnosticSessionControl + PositiveResponseOffset, sub}
	return append(resp, s.cfg.Timing.encode()...)
}

func (s *Server) handleECUReset(req []byte) []byte {
	if len(req) != 2 {
		return negativeResponse(req[0], NRCIncorrectMessageLength)
	}
	sub, suppress := subFunction(req[1])
	if sub < ResetHard || sub > ResetSoft {
		return negativeResponse(req[0], NRCSubFunctionNotSupported)
	}

	s.session = SessionDefault
	s.security.relock()
	s.transfer.reset()
	if s.cfg.OnReset != nil {
		s.cfg.OnReset(sub)
	}

	if suppress {
		return nil
	}
	return []byte{SIDECUReset + PositiveResponseOffset, sub}
}

func (s *Server) handleTesterPresent(req []byte) []byte {
	if len(req) != 2 {
		return negativeResponse(req[0], NRCIncorrectMessageLength)
	}
	sub, suppress := subFunction(req[1])
	if sub != 0x00 {
		return negativeResponse(req[0], NRCSubFunctionNotSupported)
	}
	if suppress {
		return nil
	}
	return []byte{SIDTesterPresent + PositiveResponseOffset, 0x00}
}

func (s *Server) handleReadDataByID(req []byte) []byte {
	if len(req) < 3 || (len(req)-1)%2 != 0 {
		return negativeResponse(req[0], NRCIncorrectMessageLength)
	}
	resp := []byte{SIDReadDataByIdentifier + PositiveResponseOffset}
	found := false
	for i := 1; i < len(req); i += 2 {
		id := uint16(req[i])<<8 | uint16(req[i+1])
		value := s.readDID(id)
		if value == nil {
			continue
		}
		found = true
		resp = append(resp, req[i], req[i+1])
		resp = append(resp, value...)
	}
	if !found {
		return negativeResponse(req[0], NRCRequestOutOfRange)
	}
	return resp
}

// readDID resolves a data identifier, synthesising the dynamic ones.
func (s *Server) readDID(id uint16) []byte {
	if id == DIDActiveSession {
		return []byte{byte(s.session)}
	}
	return s.DIDs.Read(id)
}

func (s *Server) handleWriteDataByID(req []byte) []byte {
	if len(req) < 4 {
		return negativeResponse(req[0], NRCIncorrectMessageLength)
	}
	id := uint16(req[1])<<8 | uint16(req[2])
	d, ok := s.DIDs.Lookup(id)
	if !ok || d.ReadOnly {
		return negativeResponse(req[0], NRCRequestOutOfRange)
	}
	if d.WriteSession != 0 && s.session != d.WriteSession {
		return negativeResponse(req[0], NRCConditionsNotCorrect)
	}
	if d.WriteLevel != 0 && s.security.unlockedLevel == 0 {
		return negativeResponse(req[0], NRCSecurityAccessDenied)
	}
	if !s.DIDs.Write(id, req[3:]) {
		return negativeResponse(req[0], NRCConditionsNotCorrect)
	}
	return []byte{SIDWriteDataByIdentifier + PositiveResponseOffset, req[1], req[2]}
}

func (s *Server) handleSecurityAccess(req []byte) []byte {
	if len(req) < 2 {
		return negativeResponse(req[0], NRCIncorrectMessageLength)
	}
	if s.security.algorithm == nil {
		return negativeResponse(req[0], NRCServiceNotSupported)
	}
	sub, suppress := subFunction(req[1])
	if sub == 0 {
		return negativeResponse(req[0], NRCSubFunctionNotSupported)
	}
	now := time.Now()

	if sub%2 == 1 { // requestSeed
		if len(req) != 2 {
			return negativeResponse(req[0], NRCIncorrectMessageLength)
		}
		seed, nrc := s.security.requestSeed(sub, now)
		if nrc != 0 {
			return negativeResponse(req[0], nrc)
		}
		if suppress {
			return nil
		}
		resp := []byte{SIDSecurityAccess + PositiveResponseOffset, sub}
		return append(resp, seed...)
	}

	// sendKey: the level is the matching odd sub-function.
	nrc := s.security.submitKey(sub-1, req[2:], now)
	if nrc != 0 {
		return negativeResponse(req[0], nrc)
	}
	s.log.Info().Uint8("level", sub-1).Msg("security access granted")
	if suppress {
		return nil
	}
	return []byte{SIDSecurityAccess + PositiveResponseOffset, sub}
}

func (s *Server) handleReadDTC(req []byte) []byte {
	if len(req) != 3 {
		return negativeResponse(req[0], NRCIncorrectMessageLength)
	}
	sub, mask := req[1], req[2]
	switch sub {
	case DTCReportNumberByStatusMask:
		count := s.DTCs.Count(mask)
		return []byte{
			SIDReadDTCInformation + PositiveResponseOffset, sub,
			s.DTCs.AvailabilityMask,
			0x00, // DTC format: SAE J2012-DA
			byte(count >> 8), byte(count),
		}
	case DTCReportByStatusMask:
		resp := []byte{SIDReadDTCInformation + PositiveResponseOffset, sub, s.DTCs.AvailabilityMask}
		for _, d := range s.DTCs.ByStatusMask(mask) {
			resp = append(resp, byte(d.Code>>16), byte(d.Code>>8), byte(d.Code), d.Status)
		}
		return resp
	default:
		return negativeResponse(req[0], NRCSubFunctionNotSupported)
	}
}

func (s *Server) handleClearDTC(req []byte) []byte {
	if len(req) != 4 {
		return negativeResponse(req[0], NRCIncorrectMessageLength)
	}
	group := uint32(req[1])<<16 | uint32(req[2])<<8 | uint32(req[3])
	s.DTCs.ClearGroup(group)
	s.log.Info().Uint32("group", group).Msg("diagnostic information cleared")
	return []byte{SIDClearDiagnosticInfo + PositiveResponseOffset}
}

func (s *Server) handleRoutineControl(req []byte) []byte {
	if len(req) < 4 {
		return negativeResponse(req[0], NRCIncorrectMessageLength)
	}
	sub, suppress := subFunction(req[1])
	id := uint16(req[2])<<8 | uint16(req[3])
	h, ok := s.Routines.lookup(id)
	if !ok {
		return negativeResponse(req[0], NRCRequestOutOfRange)
	}

	var record []byte
	var nrc byte
	switch sub {
	case RoutineStart:
		record, nrc = h.Start(req[4:])
	case RoutineStop:
		record, nrc = h.Stop()
	case RoutineRequestResult:
		record, nrc = h.Result()
	default:
		nrc = NRCSubFunctionNotSupported
	}
	if nrc != 0 {
		return negativeResponse(req[0], nrc)
	}
	if suppress {
		return nil
	}
	resp := []byte{SIDRoutineControl + PositiveResponseOffset, sub, req[2], req[3]}
	return append(resp, record...)
}

// parseAddressAndLength decodes the addressAndLengthFormatIdentifier plus the
// memory address and size that follow it.
func parseAddressAndLength(data []byte) (addr, size uint32, ok bool) {
	if len(data) < 1 {
		return 0, 0, false
	}
	sizeLen := int(data[0] >> 4)
	addrLen := int(data[0] & 0xF)
	if addrLen == 0 || addrLen > 4 || sizeLen == 0 || sizeLen > 4 {
		return 0, 0, false
	}
	if len(data) != 1+addrLen+sizeLen {
		return 0, 0, false
	}
	for _, b := range data[1 : 1+addrLen] {
		addr = addr<<8 | uint32(b)
	}
	for _, b := range data[1+addrLen:] {
		size = size<<8 | uint32(b)
	}
	return addr, size, true
}

func (s *Server) handleRequestDownload(req []byte) []byte {
	if len(req) < 3 {
		return negativeResponse(req[0], NRCIncorrectMessageLength)
	}
	if s.security.unlockedLevel == 0 {
		return negativeResponse(req[0], NRCSecurityAccessDenied)
	}
	if s.transfer.active() {
		return negativeResponse(req[0], NRCConditionsNotCorrect)
	}
	// req[1] is the dataFormatIdentifier; only uncompressed plain data is
	// supported.
	if req[1] != 0x00 {
		return negativeResponse(req[0], NRCUploadDownloadNotAccepted)
	}
	addr, size, ok := parseAddressAndLength(req[2:])
	if !ok || size == 0 {
		return negativeResponse(req[0], NRCRequestOutOfRange)
	}
	s.transfer.beginDownload(addr, size, s.cfg.MaxBlockLength)
	s.log.Info().Uint32("address", addr).Uint32("size", size).Msg("download accepted")
	max := s.cfg.MaxBlockLength
	return []byte{
		SIDRequestDownload + PositiveResponseOffset,
		0x20, // lengthFormatIdentifier: 2 bytes follow
		byte(max >> 8), byte(max),
	}
}

func (s *Server) handleRequestUpload(req []byte) []byte {
	if len(req) < 3 {
		return negativeResponse(req[0], NRCIncorrectMessageLength)
	}
	if s.cfg.ReadMemory == nil {
		return negativeResponse(req[0], NRCUploadDownloadNotAccepted)
	}
	if s.security.unlockedLevel == 0 {
		return negativeResponse(req[0], NRCSecurityAccessDenied)
	}
	if s.transfer.active() {
		return negativeResponse(req[0], NRCConditionsNotCorrect)
	}
	addr, size, ok := parseAddressAndLength(req[2:])
	if !ok || size == 0 {
		return negativeResponse(req[0], NRCRequestOutOfRange)
	}
	data, nrc := s.cfg.ReadMemory(addr, size)
	if nrc != 0 {
		return negativeResponse(req[0], nrc)
	}
	s.transfer.beginUpload(addr, data, s.cfg.MaxBlockLength)
	max := s.cfg.MaxBlockLength
	return []byte{
		SIDRequestUpload + PositiveResponseOffset,
		0x20,
		byte(max >> 8), byte(max),
	}
}

func (s *Server) handleTransferData(req []byte) []byte {
	if len(req) < 2 {
		return negativeResponse(req[0], NRCIncorrectMessageLength)
	}
	counter := req[1]
	switch s.transfer.direction {
	case transferDownload:
		if nrc := s.transfer.acceptBlock(counter, req[2:]); nrc != 0 {
			return negativeResponse(req[0], nrc)
		}
		return []byte{SIDTransferData + PositiveResponseOffset, counter}
	case transferUpload:
		chunk, nrc := s.transfer.nextBlock(counter)
		if nrc != 0 {
			return negativeResponse(req[0], nrc)
		}
		resp := []byte{SIDTransferData + PositiveResponseOffset, counter}
		return append(resp, chunk...)
	default:
		return negativeResponse(req[0], NRCRequestSequenceError)
	}
}

func (s *Server) handleTransferExit(req []byte) []byte {
	if !s.transfer.active() {
		return negativeResponse(req[0], NRCRequestSequenceError)
	}
	addr := s.transfer.address
	data, nrc := s.transfer.finish()
	if nrc != 0 {
		return negativeResponse(req[0], nrc)
	}
	if data != nil && s.cfg.OnDownloadComplete != nil {
		if nrc := s.cfg.OnDownloadComplete(addr, data); nrc != 0 {
			return negativeResponse(req[0], nrc)
		}
	}
	s.log.Info().Uint32("address", addr).Int("bytes", len(data)).Msg("transfer complete")
	return []byte{SIDRequestTransferExit + PositiveResponseOffset}
}
