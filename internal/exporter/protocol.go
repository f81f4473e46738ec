package exporter

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/wanduow/ampy/internal/model"
)

// Message types on the exporter wire. Requests sit low, responses
// start at 16.
const (
	msgRequestCollections uint32 = 1
	msgRequestSeries      uint32 = 2
	msgRequestActive      uint32 = 3
	msgRequestAggregate   uint32 = 4
	msgRequestSubscribe   uint32 = 5

	msgCollections    uint32 = 16
	msgSeries         uint32 = 17
	msgActiveSeries   uint32 = 18
	msgHistory        uint32 = 19
	msgQueryCancelled uint32 = 20
)

// headerSize is the fixed frame header: message type then payload
// length, both big-endian uint32.
const headerSize = 8

// maxPayload bounds the compressed and the decoded payload size a peer
// may send.
const maxPayload = 64 << 20

var (
	// ErrConnection flags a session that failed at the socket level.
	ErrConnection = errors.New("exporter connection failed")
	// ErrProtocol flags a response that does not belong to the
	// outstanding request.
	ErrProtocol = errors.New("unexpected exporter response")
)

type collectionsRequest struct {
	Collection int `json:"collection"`
}

type seriesRequest struct {
	Collection int   `json:"collection"`
	Boundary   int64 `json:"boundary"`
}

type aggregateRequest struct {
	Collection int              `json:"collection"`
	Labels     map[string][]int `json:"labels"`
	Start      int64            `json:"start"`
	End        int64            `json:"end"`
	Columns    []string         `json:"columns"`
	Functions  []string         `json:"functions"`
	GroupBy    []string         `json:"groupby"`
	BinSize    int64            `json:"binsize"`
}

type subscribeRequest struct {
	Collection int              `json:"collection"`
	Labels     map[string][]int `json:"labels"`
	Start      int64            `json:"start"`
	End        int64            `json:"end"`
	Columns    []string         `json:"columns"`
}

type collectionsReply struct {
	Collections []model.Collection `json:"collections"`
}

type seriesReply struct {
	Collection int            `json:"collection"`
	Streams    []model.Stream `json:"streams"`
	More       bool           `json:"more"`
}

type historyReply struct {
	Collection int           `json:"collection"`
	Label      string        `json:"label"`
	BinSize    int64         `json:"binsize"`
	Data       []model.Point `json:"data"`
	More       bool          `json:"more"`
}

type cancelledReply struct {
	Collection int      `json:"collection"`
	Labels     []string `json:"labels"`
	Start      int64    `json:"start"`
	End        int64    `json:"end"`
	More       bool     `json:"more"`
}

// writeFrame sends one message: the 8-byte header followed by the
// snappy-compressed JSON payload.
func writeFrame(w io.Writer, msgType uint32, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encoding payload")
	}
	compressed := snappy.Encode(nil, body)

	frame := make([]byte, headerSize+len(compressed))
	binary.BigEndian.PutUint32(frame[0:4], msgType)
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(compressed)))
	copy(frame[headerSize:], compressed)

	if _, err := w.Write(frame); err != nil {
		return errors.Wrapf(ErrConnection, "writing frame: %s", err)
	}
	return nil
}

// readFrame reads one message and returns its type and decompressed
// payload. Both sizes are bounded before any allocation.
func readFrame(r io.Reader) (uint32, []byte, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, errors.Wrapf(ErrConnection, "reading frame header: %s", err)
	}

	msgType := binary.BigEndian.Uint32(header[0:4])
	size := binary.BigEndian.Uint32(header[4:8])
	if size > maxPayload {
		return 0, nil, errors.Wrapf(ErrProtocol, "frame of %d bytes exceeds the payload limit", size)
	}

	compressed := make([]byte, size)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return 0, nil, errors.Wrapf(ErrConnection, "reading frame payload: %s", err)
	}

	decodedLen, err := snappy.DecodedLen(compressed)
	if err != nil {
		return 0, nil, errors.Wrapf(ErrProtocol, "corrupt payload: %s", err)
	}
	if decodedLen > maxPayload {
		return 0, nil, errors.Wrapf(ErrProtocol, "payload decodes to %d bytes, exceeds the limit", decodedLen)
	}

	body, err := snappy.Decode(nil, compressed)
	if err != nil {
		return 0, nil, errors.Wrapf(ErrProtocol, "corrupt payload: %s", err)
	}
	return msgType, body, nil
}

func decodePayload(body []byte, into interface{}) error {
	if err := json.Unmarshal(body, into); err != nil {
		return errors.Wrapf(ErrProtocol, "decoding payload: %s", err)
	}
	return nil
}
