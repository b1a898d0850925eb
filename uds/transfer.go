package uds

// transferDirection distinguishes an active download from an upload.
type transferDirection int

const (
	transferNone transferDirection = iota
	transferDownload
	transferUpload
)

// transferState is the server side of a 0x34/0x35/0x36/0x37 sequence.
type transferState struct {
	direction      transferDirection
	address        uint32
	size           uint32
	blockCounter   byte // next expected (download) or next to send (upload)
	acceptedBlocks int
	received       []byte
	uploadData     []byte
	uploadOffset   int
	maxBlockBytes  int
}

func (t *transferState) active() bool { return t.direction != transferNone }

func (t *transferState) beginDownload(address, size uint32, maxBlock int) {
	*t = transferState{
		direction:     transferDownload,
		address:       address,
		size:          size,
		blockCounter:  1,
		maxBlockBytes: maxBlock,
	}
}

func (t *transferState) beginUpload(address uint32, data []byte, maxBlock int) {
	*t = transferState{
		direction:     transferUpload,
		address:       address,
		size:          uint32(len(data)),
		blockCounter:  1,
		uploadData:    data,
		maxBlockBytes: maxBlock,
	}
}

// acceptBlock consumes one TransferData block during a download. A zero NRC
// means the block was stored; a repeat of the previously acknowledged
// counter is tolerated as a retransmission and ignored.
func (t *transferState) acceptBlock(counter byte, data []byte) byte {
	if t.direction != transferDownload {
		return NRCRequestSequenceError
	}
	if t.acceptedBlocks > 0 && counter == t.blockCounter-1 {
		return 0 // duplicate of the acknowledged block
	}
	if counter != t.blockCounter {
		return NRCWrongBlockSequenceCounter
	}
	if uint32(len(t.received)+len(data)) > t.size {
		return NRCTransferDataSuspended
	}
	t.received = append(t.received, data...)
	t.blockCounter++ // wraps 0xFF -> 0x00 naturally
	t.acceptedBlocks++
	return 0
}

// nextBlock produces the next upload chunk.
func (t *transferState) nextBlock(counter byte) ([]byte, byte) {
	if t.direction != transferUpload {
		return nil, NRCRequestSequenceError
	}
	if counter != t.blockCounter {
		return nil, NRCWrongBlockSequenceCounter
	}
	remaining := t.uploadData[t.uploadOffset:]
	n := t.maxBlockBytes - 2 // SID and counter share the block budget
	if n > len(remaining) {
		n = len(remaining)
	}
	chunk := remaining[:n]
	t.uploadOffset += n
	t.blockCounter++
	return chunk, 0
}

// finish validates completeness at RequestTransferExit and returns the
// downloaded image, if any.
func (t *transferState) finish() ([]byte, byte) {
	switch t.direction {
	case transferDownload:
		if uint32(len(t.received)) != t.size {
			return nil, NRCRequestSequenceError
		}
		data := t.received
		t.reset()
		return data, 0
	case transferUpload:
		if t.uploadOffset != len(t.uploadData) {
			return nil, NRCRequestSequenceError
		}
		t.reset()
		return nil, 0
	default:
		return nil, NRCRequestSequenceError
	}
}

func (t *transferState) reset() { *t = transferState{} }
