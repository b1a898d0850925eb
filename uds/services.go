// Package uds implements the ISO 14229 diagnostic application layer: a
// server dispatching service requests over ISO-TP, and a client issuing them.
package uds

// Diagnostic service identifiers.
const (
	SIDDiagnosticSessionControl = 0x10
	SIDECUReset                 = 0x11
	SIDClearDiagnosticInfo      = 0x14
	SIDReadDTCInformation       = 0x19
	SIDReadDataByIdentifier     = 0x22
	SIDSecurityAccess           = 0x27
	SIDWriteDataByIdentifier    = 0x2E
	SIDRoutineControl           = 0x31
	SIDRequestDownload          = 0x34
	SIDRequestUpload            = 0x35
	SIDTransferData             = 0x36
	SIDRequestTransferExit      = 0x37
	SIDTesterPresent            = 0x3E
)

// PositiveResponseOffset is added to the request SID in positive responses.
const PositiveResponseOffset = 0x40

// NegativeResponseSID introduces a `7F <SID> <NRC>` negative response.
const NegativeResponseSID = 0x7F

// SuppressPosRspMsgIndication masks the sub-function bit that asks the server
// not to send a positive response.
const SuppressPosRspMsgIndication = 0x80

// ECU reset sub-functions.
const (
	ResetHard     = 0x01
	ResetKeyOffOn = 0x02
	ResetSoft     = 0x03
)

// Routine control sub-functions.
const (
	RoutineStart         = 0x01
	RoutineStop          = 0x02
	RoutineRequestResult = 0x03
)

// Read DTC information sub-functions.
const (
	DTCReportNumberByStatusMask = 0x01
	DTCReportByStatusMask       = 0x02
)

func serviceName(sid byte) string {
	names := map[byte]string{
		SIDDiagnosticSessionControl: "DiagnosticSessionControl",
		SIDECUReset:                 "ECUReset",
		SIDClearDiagnosticInfo:      "ClearDiagnosticInformation",
		SIDReadDTCInformation:       "ReadDTCInformation",
		SIDReadDataByIdentifier:     "ReadDataByIdentifier",
		SIDSecurityAccess:           "SecurityAccess",
		SIDWriteDataByIdentifier:    "WriteDataByIdentifier",
		SIDRoutineControl:           "RoutineControl",
		SIDRequestDownload:          "RequestDownload",
		SIDRequestUpload:            "RequestUpload",
		SIDTransferData:             "TransferData",
		SIDRequestTransferExit:      "RequestTransferExit",
		SIDTesterPresent:            "TesterPresent",
	}
	if n, ok := names[sid]; ok {
		return n
	}
	return "Unknown"
}
