package uds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/marcinbor85/gohex"
	"github.com/rs/zerolog"

	"github.com/cantools/canstack/tp"
)

// RequestOptions tunes a single diagnostic request.
type RequestOptions struct {
	Timeout         time.Duration // P2: deadline for the first response
	PendingTimeout  time.Duration // P2*: deadline after a 0x78 response pending
	MaxRetries      int           // retries for retryable negative responses
	RetryDelay      time.Duration
	SuppressMissing bool // treat a timeout as success (suppressed response)
}

// DefaultRequestOptions returns the client-side defaults.
func DefaultRequestOptions() RequestOptions {
	return RequestOptions{
		Timeout:        500 * time.Millisecond,
		PendingTimeout: 5 * time.Second,
		MaxRetries:     3,
		RetryDelay:     100 * time.Millisecond,
	}
}

// Client is the tester side of the diagnostic application layer, issuing
// service requests over an ISO-TP transport.
type Client struct {
	t    *tp.Transport
	log  zerolog.Logger
	opts RequestOptions

	stopTesterPresent context.CancelFunc
}

func NewClient(t *tp.Transport, logger zerolog.Logger) *Client {
	return &Client{t: t, log: logger, opts: DefaultRequestOptions()}
}

// SetRequestOptions replaces the defaults used by the typed helpers.
func (c *Client) SetRequestOptions(opts RequestOptions) { c.opts = opts }

// Request sends a raw service request and waits for the final response,
// retrying retryable negative responses.
func (c *Client) Request(ctx context.Context, payload []byte) ([]byte, error) {
	return c.RequestWithOptions(ctx, payload, c.opts)
}

func (c *Client) RequestWithOptions(ctx context.Context, payload []byte, opts RequestOptions) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("request payload must not be empty")
	}

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			c.log.Debug().
				Int("attempt", attempt).
				Uint8("sid", payload[0]).
				Msg("retrying request")
			select {
			case <-time.After(opts.RetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := c.singleRequest(ctx, payload, opts)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		var nre *NegativeResponseError
		if errors.As(err, &nre) && nre.IsRetryable() && attempt < opts.MaxRetries {
			lastErr = err
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

func (c *Client) singleRequest(ctx context.Context, payload []byte, opts RequestOptions) ([]byte, error) {
	requestSID := payload[0]
	expectedSID := requestSID + PositiveResponseOffset

	// Stale responses from an earlier, timed-out request must not be
	// mistaken for this one.
	c.t.Drain()

	if err := c.t.SendSync(ctx, payload); err != nil {
		return nil, fmt.Errorf("transport send: %w", err)
	}

	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-deadline.C:
			if opts.SuppressMissing {
				return nil, nil
			}
			return nil, &RequestTimeoutError{ServiceID: requestSID, Timeout: opts.Timeout}

		case data := <-c.t.Received():
			if len(data) >= 3 && data[0] == NegativeResponseSID {
				if data[2] == NRCResponsePending {
					// The server asked for more time: restart the wait
					// with the extended P2* deadline.
					if !deadline.Stop() {
						select {
						case <-deadline.C:
						default:
						}
					}
					deadline.Reset(opts.PendingTimeout)
					c.log.Debug().Uint8("sid", data[1]).Msg("response pending, extending deadline")
					continue
				}
				return nil, &NegativeResponseError{ServiceID: data[1], NRC: data[2]}
			}
			if len(data) == 0 || data[0] != expectedSID {
				got := byte(0)
				if len(data) > 0 {
					got = data[0]
				}
				return nil, &UnexpectedResponseError{Expected: expectedSID, Got: got}
			}
			return data, nil
		}
	}
}

// DiagnosticSessionControl switches the server session and returns the
// timing parameters it reports.
func (c *Client) DiagnosticSessionControl(ctx context.Context, session SessionType) (SessionTiming, error) {
	resp, err := c.Request(ctx, []byte{SIDDiagnosticSessionControl, byte(session)})
	if err != nil {
		return SessionTiming{}, err
	}
	var timing SessionTiming
	if len(resp) >= 6 {
		p2 := time.Duration(uint16(resp[2])<<8|uint16(resp[3])) * time.Millisecond
		p2s := time.Duration(uint16(resp[4])<<8|uint16(resp[5])) * 10 * time.Millisecond
		timing = SessionTiming{P2: p2, P2Star: p2s}
	}
	return timing, nil
}

// ECUReset requests a reset and returns once acknowledged.
func (c *Client) ECUReset(ctx context.Context, sub byte) error {
	_, err := c.Request(ctx, []byte{SIDECUReset, sub})
	return err
}

// TesterPresent sends a single keep-alive with the suppress-response bit.
func (c *Client) TesterPresent() error {
	return c.t.Send([]byte{SIDTesterPresent, 0x00 | SuppressPosRspMsgIndication})
}

// StartTesterPresent sends periodic keep-alives until StopTesterPresent or
// the given context ends. Typical intervals sit well below the server S3
// window.
func (c *Client) StartTesterPresent(ctx context.Context, interval time.Duration) {
	c.StopTesterPresent()
	ctx, cancel := context.WithCancel(ctx)
	c.stopTesterPresent = cancel
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.TesterPresent(); err != nil {
					c.log.Warn().Err(err).Msg("tester present send failed")
				}
			}
		}
	}()
}

// StopTesterPresent stops the keep-alive loop started by StartTesterPresent.
func (c *Client) StopTesterPresent() {
	if c.stopTesterPresent != nil {
		c.stopTesterPresent()
		c.stopTesterPresent = nil
	}
}

// ReadDataByIdentifier reads a single DID and returns its record.
func (c *Client) ReadDataByIdentifier(ctx context.Context, id uint16) ([]byte, error) {
	resp, err := c.Request(ctx, []byte{SIDReadDataByIdentifier, byte(id >> 8), byte(id)})
	if err != nil {
		return nil, err
	}
	if len(resp) < 3 {
		return nil, fmt.Errorf("short ReadDataByIdentifier response")
	}
	return resp[3:], nil
}

// WriteDataByIdentifier writes a DID record.
func (c *Client) WriteDataByIdentifier(ctx context.Context, id uint16, value []byte) error {
	req := append([]byte{SIDWriteDataByIdentifier, byte(id >> 8), byte(id)}, value...)
	_, err := c.Request(ctx, req)
	return err
}

// SecurityAccess performs the full seed/key handshake for an (odd) security
// level. An all-zero seed means the level is already unlocked.
func (c *Client) SecurityAccess(ctx context.Context, level byte, algo KeyAlgorithm) error {
	if level%2 != 1 {
		return fmt.Errorf("security level must be the odd requestSeed sub-function")
	}
	resp, err := c.Request(ctx, []byte{SIDSecurityAccess, level})
	if err != nil {
		return err
	}
	seed := resp[2:]
	if allZero(seed) {
		return nil
	}
	key, err := algo.ComputeKey(level, seed)
	if err != nil {
		return fmt.Errorf("key computation: %w", err)
	}
	req := append([]byte{SIDSecurityAccess, level + 1}, key...)
	_, err = c.Request(ctx, req)
	return err
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return len(b) > 0
}

// ReadDTCByStatusMask lists the DTCs matching a status mask.
func (c *Client) ReadDTCByStatusMask(ctx context.Context, mask byte) ([]DTC, error) {
	resp, err := c.Request(ctx, []byte{SIDReadDTCInformation, DTCReportByStatusMask, mask})
	if err != nil {
		return nil, err
	}
	if len(resp) < 3 {
		return nil, fmt.Errorf("short ReadDTCInformation response")
	}
	var dtcs []DTC
	for rec := resp[3:]; len(rec) >= 4; rec = rec[4:] {
		dtcs = append(dtcs, DTC{
			Code:   uint32(rec[0])<<16 | uint32(rec[1])<<8 | uint32(rec[2]),
			Status: rec[3],
		})
	}
	return dtcs, nil
}

// ClearDTCs erases a DTC group; GroupAllDTCs clears everything.
func (c *Client) ClearDTCs(ctx context.Context, group uint32) error {
	req := []byte{SIDClearDiagnosticInfo, byte(group >> 16), byte(group >> 8), byte(group)}
	_, err := c.Request(ctx, req)
	return err
}

// RoutineControl issues a routine sub-function and returns the status record.
func (c *Client) RoutineControl(ctx context.Context, sub byte, id uint16, params []byte) ([]byte, error) {
	req := append([]byte{SIDRoutineControl, sub, byte(id >> 8), byte(id)}, params...)
	resp, err := c.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp) < 4 {
		return nil, fmt.Errorf("short RoutineControl response")
	}
	return resp[4:], nil
}

// DownloadData programs a block of memory: RequestDownload, TransferData
// blocks sized to the server's advertised maximum, RequestTransferExit.
func (c *Client) DownloadData(ctx context.Context, address uint32, data []byte) error {
	req := []byte{
		SIDRequestDownload,
		0x00, // plain uncompressed data
		0x44, // 4-byte size, 4-byte address
		byte(address >> 24), byte(address >> 16), byte(address >> 8), byte(address),
		byte(len(data) >> 24), byte(len(data) >> 16), byte(len(data) >> 8), byte(len(data)),
	}
	resp, err := c.Request(ctx, req)
	if err != nil {
		return fmt.Errorf("request download: %w", err)
	}
	if len(resp) < 2 {
		return fmt.Errorf("short RequestDownload response")
	}
	lenBytes := int(resp[1] >> 4)
	if len(resp) < 2+lenBytes || lenBytes == 0 {
		return fmt.Errorf("malformed RequestDownload response")
	}
	maxBlock := 0
	for _, b := range resp[2 : 2+lenBytes] {
		maxBlock = maxBlock<<8 | int(b)
	}
	// The advertised length covers the SID and counter bytes too.
	chunkSize := maxBlock - 2
	if chunkSize <= 0 {
		return fmt.Errorf("server advertised unusable block length %d", maxBlock)
	}

	counter := byte(1)
	for offset := 0; offset < len(data); {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		block := append([]byte{SIDTransferData, counter}, data[offset:end]...)
		if _, err := c.Request(ctx, block); err != nil {
			return fmt.Errorf("transfer data block %d: %w", counter, err)
		}
		offset = end
		counter++ // wraps 0xFF -> 0x00
	}

	if _, err := c.Request(ctx, []byte{SIDRequestTransferExit}); err != nil {
		return fmt.Errorf("request transfer exit: %w", err)
	}
	c.log.Info().Uint32("address", address).Int("bytes", len(data)).Msg("download finished")
	return nil
}

// DownloadImage flashes an Intel HEX image, one download sequence per data
// segment.
func (c *Client) DownloadImage(ctx context.Context, image io.Reader) error {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(image); err != nil {
		return fmt.Errorf("parse hex image: %w", err)
	}
	for _, seg := range mem.GetDataSegments() {
		if err := c.DownloadData(ctx, seg.Address, seg.Data); err != nil {
			return fmt.Errorf("segment at 0x%08X: %w", seg.Address, err)
		}
	}
	return nil
}
