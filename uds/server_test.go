package uds

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var testSecret = []byte("0123456789abcdef")

func newTestServer(t *testing.T) *Server {
	t.Helper()
	algo, err := NewCmacKeyAlgorithm(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	s := NewServer(ServerConfig{
		KeyAlgorithm: algo,
		LockoutDelay: time.Hour, // keep lockouts visible within the test
	}, zerolog.Nop())
	s.DIDs.Register(DIDVIN, DataIdentifier{
		Value:    []byte("1HGCM82633A004352"),
		ReadOnly: true,
	})
	return s
}

// exec runs one request through the dispatcher and returns all emitted
// responses, interim response-pending frames included.
func exec(t *testing.T, s *Server, req []byte) [][]byte {
	t.Helper()
	var out [][]byte
	s.Handle(req, func(resp []byte) { out = append(out, resp) })
	return out
}

// final returns the single final response, failing on interims or silence.
func final(t *testing.T, s *Server, req []byte) []byte {
	t.Helper()
	out := exec(t, s, req)
	if len(out) != 1 {
		t.Fatalf("request % X produced %d responses, want 1", req, len(out))
	}
	return out[0]
}

func enterSession(t *testing.T, s *Server, session SessionType) {
	t.Helper()
	resp := final(t, s, []byte{0x10, byte(session)})
	if resp[0] != 0x50 {
		t.Fatalf("session control refused: % X", resp)
	}
}

// enterProgramming routes through the extended session first, the only path
// the session transition contract allows.
func enterProgramming(t *testing.T, s *Server) {
	t.Helper()
	enterSession(t, s, SessionExtended)
	enterSession(t, s, SessionProgramming)
}

func unlock(t *testing.T, s *Server, level byte) {
	t.Helper()
	seedResp := final(t, s, []byte{0x27, level})
	if seedResp[0] != 0x67 {
		t.Fatalf("seed request refused: % X", seedResp)
	}
	algo, _ := NewCmacKeyAlgorithm(testSecret)
	key, err := algo.ComputeKey(level, seedResp[2:])
	if err != nil {
		t.Fatal(err)
	}
	keyResp := final(t, s, append([]byte{0x27, level + 1}, key...))
	if keyResp[0] != 0x67 {
		t.Fatalf("key refused: % X", keyResp)
	}
}

func TestSessionControl(t *testing.T) {
	s := newTestServer(t)
	resp := final(t, s, []byte{0x10, 0x03})
	if resp[0] != 0x50 || resp[1] != 0x03 {
		t.Fatalf("response = % X", resp)
	}
	if len(resp) != 6 {
		t.Fatalf("expected 4 timing bytes, got % X", resp[2:])
	}
	if s.Session() != SessionExtended {
		t.Errorf("session = %v, want extended", s.Session())
	}

	resp = final(t, s, []byte{0x10, 0x05})
	if !bytes.Equal(resp, []byte{0x7F, 0x10, NRCSubFunctionNotSupported}) {
		t.Errorf("invalid session answered % X", resp)
	}
}

func TestSessionControl_SuppressResponse(t *testing.T) {
	s := newTestServer(t)
	out := exec(t, s, []byte{0x10, 0x83})
	if len(out) != 0 {
		t.Fatalf("suppressed request produced responses: %v", out)
	}
	if s.Session() != SessionExtended {
		t.Error("suppressed session control did not switch session")
	}
}

func TestSessionControl_ProgrammingRequiresNonDefault(t *testing.T) {
	s := newTestServer(t)
	resp := final(t, s, []byte{0x10, 0x02})
	if !bytes.Equal(resp, []byte{0x7F, 0x10, NRCSubFunctionNotSupportedInActiveSession}) {
		t.Fatalf("programming from default answered % X", resp)
	}
	if s.Session() != SessionDefault {
		t.Error("refused transition changed the session")
	}

	enterSession(t, s, SessionExtended)
	resp = final(t, s, []byte{0x10, 0x02})
	if resp[0] != 0x50 || resp[1] != 0x02 {
		t.Fatalf("programming from extended answered % X", resp)
	}
}

func TestSessionTransitionRelocksAndAbortsTransfer(t *testing.T) {
	s := newTestServer(t)
	enterProgramming(t, s)
	unlock(t, s, 0x01)
	if s.SecurityUnlocked() == 0 {
		t.Fatal("unlock did not take effect")
	}
	resp := final(t, s, []byte{0x34, 0x00, 0x44, 0, 0, 0x80, 0, 0, 0, 0, 8})
	if resp[0] != 0x74 {
		t.Fatalf("download refused: % X", resp)
	}

	enterSession(t, s, SessionExtended)
	if s.SecurityUnlocked() != 0 {
		t.Error("session transition did not relock security")
	}
	if s.transfer.active() {
		t.Error("session transition did not abort the transfer")
	}
}

func TestReadDataByIdentifier_VIN(t *testing.T) {
	s := newTestServer(t)
	resp := final(t, s, []byte{0x22, 0xF1, 0x90})
	want := append([]byte{0x62, 0xF1, 0x90}, []byte("1HGCM82633A004352")...)
	if !bytes.Equal(resp, want) {
		t.Errorf("response = % X, want % X", resp, want)
	}
}

func TestReadDataByIdentifier_ActiveSession(t *testing.T) {
	s := newTestServer(t)
	enterSession(t, s, SessionExtended)
	resp := final(t, s, []byte{0x22, 0xF1, 0x86})
	if !bytes.Equal(resp, []byte{0x62, 0xF1, 0x86, 0x03}) {
		t.Errorf("response = % X", resp)
	}
}

func TestReadDataByIdentifier_Unknown(t *testing.T) {
	s := newTestServer(t)
	resp := final(t, s, []byte{0x22, 0xDE, 0xAD})
	if !bytes.Equal(resp, []byte{0x7F, 0x22, NRCRequestOutOfRange}) {
		t.Errorf("response = % X", resp)
	}
}

func TestServiceGating(t *testing.T) {
	s := newTestServer(t)
	cases := [][]byte{
		{0x27, 0x01},
		{0x2E, 0xF1, 0x90, 0x00},
		{0x31, 0x01, 0x12, 0x34},
	}
	for _, req := range cases {
		resp := final(t, s, req)
		if !bytes.Equal(resp, []byte{0x7F, req[0], NRCServiceNotSupportedInActiveSession}) {
			t.Errorf("SID 0x%02X in default session answered % X", req[0], resp)
		}
	}

	enterSession(t, s, SessionExtended)
	resp := final(t, s, []byte{0x34, 0x00, 0x44, 0, 0, 0, 0, 0, 0, 0, 8})
	if !bytes.Equal(resp, []byte{0x7F, 0x34, NRCServiceNotSupportedInActiveSession}) {
		t.Errorf("download outside programming session answered % X", resp)
	}
}

func TestUnknownService(t *testing.T) {
	s := newTestServer(t)
	resp := final(t, s, []byte{0x99})
	if !bytes.Equal(resp, []byte{0x7F, 0x99, NRCServiceNotSupported}) {
		t.Errorf("response = % X", resp)
	}
}

func TestSecurityAccess_Handshake(t *testing.T) {
	s := newTestServer(t)
	enterSession(t, s, SessionExtended)
	unlock(t, s, 0x01)
	if s.SecurityUnlocked() != 0x01 {
		t.Errorf("unlocked level = %d, want 1", s.SecurityUnlocked())
	}

	// A repeated seed request reports an all-zero seed once unlocked.
	resp := final(t, s, []byte{0x27, 0x01})
	if resp[0] != 0x67 {
		t.Fatalf("seed refused after unlock: % X", resp)
	}
	for _, b := range resp[2:] {
		if b != 0 {
			t.Fatalf("seed after unlock not zero: % X", resp[2:])
		}
	}
}

func TestSecurityAccess_KeyWithoutSeed(t *testing.T) {
	s := newTestServer(t)
	enterSession(t, s, SessionExtended)
	resp := final(t, s, []byte{0x27, 0x02, 1, 2, 3, 4})
	if !bytes.Equal(resp, []byte{0x7F, 0x27, NRCRequestSequenceError}) {
		t.Errorf("response = % X", resp)
	}
}

func TestSecurityAccess_LockoutAfterFailedAttempts(t *testing.T) {
	s := newTestServer(t)
	enterSession(t, s, SessionExtended)

	badKey := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	for i := 0; i < 2; i++ {
		final(t, s, []byte{0x27, 0x01})
		resp := final(t, s, append([]byte{0x27, 0x02}, badKey...))
		if !bytes.Equal(resp, []byte{0x7F, 0x27, NRCInvalidKey}) {
			t.Fatalf("attempt %d answered % X", i+1, resp)
		}
	}
	final(t, s, []byte{0x27, 0x01})
	resp := final(t, s, append([]byte{0x27, 0x02}, badKey...))
	if !bytes.Equal(resp, []byte{0x7F, 0x27, NRCExceedNumberOfAttempts}) {
		t.Fatalf("third attempt answered % X", resp)
	}

	// Lockout rejects further seed requests with the delay NRC.
	resp = final(t, s, []byte{0x27, 0x01})
	if !bytes.Equal(resp, []byte{0x7F, 0x27, NRCRequiredTimeDelayNotExpired}) {
		t.Errorf("seed during lockout answered % X", resp)
	}
}

func TestWriteDataByIdentifier(t *testing.T) {
	s := newTestServer(t)
	s.DIDs.Register(0x0123, DataIdentifier{Value: []byte{0x00}, WriteLevel: 0x01})
	enterSession(t, s, SessionExtended)

	resp := final(t, s, []byte{0x2E, 0x01, 0x23, 0x42})
	if !bytes.Equal(resp, []byte{0x7F, 0x2E, NRCSecurityAccessDenied}) {
		t.Fatalf("locked write answered % X", resp)
	}

	unlock(t, s, 0x01)
	resp = final(t, s, []byte{0x2E, 0x01, 0x23, 0x42})
	if !bytes.Equal(resp, []byte{0x6E, 0x01, 0x23}) {
		t.Fatalf("write answered % X", resp)
	}
	if !bytes.Equal(s.DIDs.Read(0x0123), []byte{0x42}) {
		t.Error("write did not change the stored value")
	}

	// Read-only identifiers reject writes outright.
	resp = final(t, s, []byte{0x2E, 0xF1, 0x90, 0x41})
	if !bytes.Equal(resp, []byte{0x7F, 0x2E, NRCRequestOutOfRange}) {
		t.Errorf("read-only write answered % X", resp)
	}
}

func TestWriteDataByIdentifier_SessionRestricted(t *testing.T) {
	s := newTestServer(t)
	s.DIDs.Register(0x0456, DataIdentifier{
		Value:        []byte{0x00},
		WriteSession: SessionProgramming,
	})
	enterSession(t, s, SessionExtended)

	resp := final(t, s, []byte{0x2E, 0x04, 0x56, 0x99})
	if !bytes.Equal(resp, []byte{0x7F, 0x2E, NRCConditionsNotCorrect}) {
		t.Fatalf("write outside the required session answered % X", resp)
	}

	enterSession(t, s, SessionProgramming)
	resp = final(t, s, []byte{0x2E, 0x04, 0x56, 0x99})
	if !bytes.Equal(resp, []byte{0x6E, 0x04, 0x56}) {
		t.Fatalf("write answered % X", resp)
	}
	if !bytes.Equal(s.DIDs.Read(0x0456), []byte{0x99}) {
		t.Error("write did not change the stored value")
	}
}

func TestReadAndClearDTCs(t *testing.T) {
	s := newTestServer(t)
	s.DTCs.Set(0x123456, DTCStatusConfirmed|DTCStatusTestFailed)
	s.DTCs.Set(0xABCDEF, DTCStatusPending)

	resp := final(t, s, []byte{0x19, 0x01, DTCStatusConfirmed})
	want := []byte{0x59, 0x01, 0xFF, 0x00, 0x00, 0x01}
	if !bytes.Equal(resp, want) {
		t.Fatalf("count response = % X, want % X", resp, want)
	}

	resp = final(t, s, []byte{0x19, 0x02, 0xFF})
	if resp[0] != 0x59 || len(resp) != 3+2*4 {
		t.Fatalf("report response = % X", resp)
	}
	if !bytes.Equal(resp[3:7], []byte{0x12, 0x34, 0x56, DTCStatusConfirmed | DTCStatusTestFailed}) {
		t.Errorf("first record = % X", resp[3:7])
	}

	resp = final(t, s, []byte{0x14, 0xFF, 0xFF, 0xFF})
	if !bytes.Equal(resp, []byte{0x54}) {
		t.Fatalf("clear answered % X", resp)
	}
	resp = final(t, s, []byte{0x19, 0x02, 0xFF})
	if len(resp) != 3 {
		t.Errorf("DTCs remained after clear: % X", resp)
	}
}

func TestClearDTCs_SingleCode(t *testing.T) {
	s := newTestServer(t)
	s.DTCs.Set(0x123456, DTCStatusConfirmed)
	s.DTCs.Set(0xABCDEF, DTCStatusConfirmed)

	final(t, s, []byte{0x14, 0x12, 0x34, 0x56})
	left := s.DTCs.ByStatusMask(0xFF)
	if len(left) != 1 || left[0].Code != 0xABCDEF {
		t.Errorf("remaining DTCs = %v", left)
	}
}

func TestRoutineControl(t *testing.T) {
	s := newTestServer(t)
	var started []byte
	s.Routines.Register(0x0203, RoutineFuncs{
		OnStart: func(params []byte) ([]byte, byte) {
			started = append([]byte{}, params...)
			return []byte{0x01}, 0
		},
		OnResult: func() ([]byte, byte) { return []byte{0xAA, 0xBB}, 0 },
	})
	enterSession(t, s, SessionExtended)

	resp := final(t, s, []byte{0x31, 0x01, 0x02, 0x03, 0x10, 0x20})
	if !bytes.Equal(resp, []byte{0x71, 0x01, 0x02, 0x03, 0x01}) {
		t.Fatalf("start answered % X", resp)
	}
	if !bytes.Equal(started, []byte{0x10, 0x20}) {
		t.Errorf("routine got params % X", started)
	}

	resp = final(t, s, []byte{0x31, 0x03, 0x02, 0x03})
	if !bytes.Equal(resp, []byte{0x71, 0x03, 0x02, 0x03, 0xAA, 0xBB}) {
		t.Fatalf("result answered % X", resp)
	}

	// Stop has no handler registered.
	resp = final(t, s, []byte{0x31, 0x02, 0x02, 0x03})
	if !bytes.Equal(resp, []byte{0x7F, 0x31, NRCSubFunctionNotSupported}) {
		t.Errorf("stop answered % X", resp)
	}

	resp = final(t, s, []byte{0x31, 0x01, 0xFF, 0xFF})
	if !bytes.Equal(resp, []byte{0x7F, 0x31, NRCRequestOutOfRange}) {
		t.Errorf("unknown routine answered % X", resp)
	}
}

func TestDownloadSequence(t *testing.T) {
	var gotAddr uint32
	var gotData []byte
	algo, _ := NewCmacKeyAlgorithm(testSecret)
	s := NewServer(ServerConfig{
		KeyAlgorithm:   algo,
		MaxBlockLength: 6, // 4 data bytes per block
		OnDownloadComplete: func(addr uint32, data []byte) byte {
			gotAddr, gotData = addr, data
			return 0
		},
	}, zerolog.Nop())

	enterProgramming(t, s)
	unlock(t, s, 0x01)

	resp := final(t, s, []byte{0x34, 0x00, 0x44,
		0x00, 0x08, 0x00, 0x00, // address
		0x00, 0x00, 0x00, 0x0A, // 10 bytes
	})
	if !bytes.Equal(resp, []byte{0x74, 0x20, 0x00, 0x06}) {
		t.Fatalf("download answered % X", resp)
	}

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	blocks := [][]byte{payload[0:4], payload[4:8], payload[8:10]}
	for i, b := range blocks {
		resp := final(t, s, append([]byte{0x36, byte(i + 1)}, b...))
		if resp[0] != 0x76 || resp[1] != byte(i+1) {
			t.Fatalf("block %d answered % X", i+1, resp)
		}
	}

	resp = final(t, s, []byte{0x37})
	if !bytes.Equal(resp, []byte{0x77}) {
		t.Fatalf("transfer exit answered % X", resp)
	}
	if gotAddr != 0x00080000 || !bytes.Equal(gotData, payload) {
		t.Errorf("stored addr=%#x data=% X", gotAddr, gotData)
	}
}

func TestTransferData_WrongBlockCounter(t *testing.T) {
	algo, _ := NewCmacKeyAlgorithm(testSecret)
	s := NewServer(ServerConfig{KeyAlgorithm: algo}, zerolog.Nop())
	enterProgramming(t, s)
	unlock(t, s, 0x01)
	final(t, s, []byte{0x34, 0x00, 0x44, 0, 0, 0, 0, 0, 0, 0, 8})

	// Before any block has been accepted, counter zero is not a
	// retransmission of anything.
	resp := final(t, s, []byte{0x36, 0x00, 1, 2, 3, 4})
	if !bytes.Equal(resp, []byte{0x7F, 0x36, NRCWrongBlockSequenceCounter}) {
		t.Fatalf("counter zero at download start answered % X", resp)
	}

	resp = final(t, s, []byte{0x36, 0x02, 1, 2, 3, 4})
	if !bytes.Equal(resp, []byte{0x7F, 0x36, NRCWrongBlockSequenceCounter}) {
		t.Fatalf("skipped counter answered % X", resp)
	}

	// Correct block, then a duplicate of it is acknowledged without effect.
	final(t, s, []byte{0x36, 0x01, 1, 2, 3, 4})
	resp = final(t, s, []byte{0x36, 0x01, 1, 2, 3, 4})
	if resp[0] != 0x76 {
		t.Errorf("duplicate block answered % X", resp)
	}
}

func TestTransferData_WithoutDownload(t *testing.T) {
	s := newTestServer(t)
	enterProgramming(t, s)
	resp := final(t, s, []byte{0x36, 0x01, 1, 2})
	if !bytes.Equal(resp, []byte{0x7F, 0x36, NRCRequestSequenceError}) {
		t.Errorf("response = % X", resp)
	}
}

func TestUploadSequence(t *testing.T) {
	image := []byte{0xCA, 0xFE, 0xBA, 0xBE, 0x12, 0x34}
	algo, _ := NewCmacKeyAlgorithm(testSecret)
	s := NewServer(ServerConfig{
		KeyAlgorithm:   algo,
		MaxBlockLength: 6,
		ReadMemory: func(addr, size uint32) ([]byte, byte) {
			return image[:size], 0
		},
	}, zerolog.Nop())
	enterProgramming(t, s)
	unlock(t, s, 0x01)

	resp := final(t, s, []byte{0x35, 0x00, 0x44, 0, 0, 0, 0, 0, 0, 0, 6})
	if resp[0] != 0x75 {
		t.Fatalf("upload answered % X", resp)
	}
	var got []byte
	for counter := byte(1); ; counter++ {
		resp := final(t, s, []byte{0x36, counter})
		if resp[0] != 0x76 {
			t.Fatalf("upload block answered % X", resp)
		}
		got = append(got, resp[2:]...)
		if len(got) >= len(image) {
			break
		}
	}
	if !bytes.Equal(got, image) {
		t.Errorf("uploaded % X, want % X", got, image)
	}
	if resp := final(t, s, []byte{0x37}); !bytes.Equal(resp, []byte{0x77}) {
		t.Errorf("exit answered % X", resp)
	}
}

func TestECUReset(t *testing.T) {
	var resetSub byte
	algo, _ := NewCmacKeyAlgorithm(testSecret)
	s := NewServer(ServerConfig{
		KeyAlgorithm: algo,
		OnReset:      func(sub byte) { resetSub = sub },
	}, zerolog.Nop())
	enterSession(t, s, SessionExtended)
	unlock(t, s, 0x01)

	resp := final(t, s, []byte{0x11, 0x01})
	if !bytes.Equal(resp, []byte{0x51, 0x01}) {
		t.Fatalf("reset answered % X", resp)
	}
	if resetSub != ResetHard {
		t.Errorf("reset hook got sub %d", resetSub)
	}
	if s.Session() != SessionDefault || s.SecurityUnlocked() != 0 {
		t.Error("reset did not restore default locked state")
	}

	resp = final(t, s, []byte{0x11, 0x07})
	if !bytes.Equal(resp, []byte{0x7F, 0x11, NRCSubFunctionNotSupported}) {
		t.Errorf("invalid reset answered % X", resp)
	}
}

func TestTesterPresent(t *testing.T) {
	s := newTestServer(t)
	resp := final(t, s, []byte{0x3E, 0x00})
	if !bytes.Equal(resp, []byte{0x7E, 0x00}) {
		t.Fatalf("response = % X", resp)
	}
	if out := exec(t, s, []byte{0x3E, 0x80}); len(out) != 0 {
		t.Errorf("suppressed tester present answered %v", out)
	}
}

func TestSessionTimeoutFallsBackToDefault(t *testing.T) {
	s := newTestServer(t)
	enterSession(t, s, SessionExtended)
	unlock(t, s, 0x01)

	s.sessionTimeout()
	if s.Session() != SessionDefault {
		t.Error("S3 expiry did not restore the default session")
	}
	if s.SecurityUnlocked() != 0 {
		t.Error("S3 expiry did not relock security")
	}
}

func TestResponsePendingForSlowRoutine(t *testing.T) {
	algo, _ := NewCmacKeyAlgorithm(testSecret)
	s := NewServer(ServerConfig{
		KeyAlgorithm: algo,
		Timing: SessionTiming{
			P2:     20 * time.Millisecond,
			P2Star: 200 * time.Millisecond,
			S3:     5 * time.Second,
		},
	}, zerolog.Nop())
	s.Routines.Register(0x0001, RoutineFuncs{
		OnStart: func([]byte) ([]byte, byte) {
			time.Sleep(60 * time.Millisecond)
			return []byte{0x00}, 0
		},
	})
	enterSession(t, s, SessionExtended)

	out := exec(t, s, []byte{0x31, 0x01, 0x00, 0x01})
	if len(out) < 2 {
		t.Fatalf("expected interim plus final response, got %v", out)
	}
	for _, interim := range out[:len(out)-1] {
		if !bytes.Equal(interim, []byte{0x7F, 0x31, NRCResponsePending}) {
			t.Fatalf("interim = % X", interim)
		}
	}
	finalResp := out[len(out)-1]
	if !bytes.Equal(finalResp, []byte{0x71, 0x01, 0x00, 0x01, 0x00}) {
		t.Errorf("final = % X", finalResp)
	}
}

func TestAbandonedRequestDoesNotRaceNextRequest(t *testing.T) {
	algo, _ := NewCmacKeyAlgorithm(testSecret)
	s := NewServer(ServerConfig{
		KeyAlgorithm: algo,
		Timing: SessionTiming{
			P2:     5 * time.Millisecond,
			P2Star: 10 * time.Millisecond,
			S3:     5 * time.Second,
		},
	}, zerolog.Nop())
	s.Routines.Register(0x0001, RoutineFuncs{
		OnStart: func([]byte) ([]byte, byte) {
			time.Sleep(150 * time.Millisecond)
			return []byte{0x00}, 0
		},
	})
	enterSession(t, s, SessionExtended)

	out := exec(t, s, []byte{0x31, 0x01, 0x00, 0x01})
	if len(out) == 0 {
		t.Fatal("slow routine produced no responses")
	}
	last := out[len(out)-1]
	if !bytes.Equal(last, []byte{0x7F, 0x31, NRCGeneralReject}) {
		t.Fatalf("abandoned request ended with % X", last)
	}

	// The routine goroutine is still asleep. The next request must wait
	// for it to finish instead of mutating shared state alongside it.
	out = exec(t, s, []byte{0x10, 0x03})
	if len(out) == 0 {
		t.Fatal("followup request produced no responses")
	}
	resp := out[len(out)-1]
	if resp[0] != 0x50 || resp[1] != 0x03 {
		t.Fatalf("followup session control answered % X", resp)
	}
	if s.Session() != SessionExtended {
		t.Errorf("session = %v, want extended", s.Session())
	}
}

func TestIncorrectMessageLengths(t *testing.T) {
	s := newTestServer(t)
	enterSession(t, s, SessionExtended)
	cases := [][]byte{
		{0x10},
		{0x22, 0xF1},
		{0x19, 0x02},
		{0x14, 0xFF, 0xFF},
		{0x3E},
	}
	for _, req := range cases {
		resp := final(t, s, req)
		if !bytes.Equal(resp, []byte{0x7F, req[0], NRCIncorrectMessageLength}) {
			t.Errorf("request % X answered % X", req, resp)
		}
	}
}
