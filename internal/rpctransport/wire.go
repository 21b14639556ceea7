// Package rpctransport is the QUIC-backed implementation of
// shuffle.PeerRPC: one QUIC stream per RPC call, a length-delimited JSON
// envelope on the stream, modeled on daemon/transport/control_stream.go's
// msgType-then-length-then-payload framing in place of that file's
// file-transfer-specific message set.
package rpctransport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/quantarax/p2pshuffle/internal/shuffleerr"
	"github.com/quantarax/p2pshuffle/internal/shuffletypes"
)

// messageType distinguishes the three peer RPCs spec section 6 routes
// between workers. Every stream carries exactly one request followed by one
// response, then is closed.
type messageType uint8

const (
	msgShuffleReceive messageType = iota + 1
	msgShuffleInputsDone
	msgShuffleFail
	msgResponse
)

// wirePayload is the wire form of commbuf.Payload: ProducerID is reduced to
// its canonical key since the receiving side only ever needs Key(), not the
// original typed id (see shuffletypes.OpaqueId).
type wirePayload struct {
	ProducerKey string
	Bytes       []byte
}

type shuffleReceiveRequest struct {
	ShuffleID shuffletypes.ShuffleId
	RunID     shuffletypes.RunId
	Payloads  []wirePayload
}

type shuffleInputsDoneRequest struct {
	ShuffleID shuffletypes.ShuffleId
	RunID     shuffletypes.RunId
}

type shuffleFailRequest struct {
	ShuffleID shuffletypes.ShuffleId
	RunID     shuffletypes.RunId
	Message   string
}

// responseEnvelope carries either success or the string form of an error.
// Kind carries the shuffleerr.Kind of the top-level error when there is one,
// so a StaleRun response can be told apart from a generic failure on the
// calling side (needed to trigger the shuffle_fail broadcast of spec
// section 7); any other error still crosses the wire as plain text.
type responseEnvelope struct {
	Err  string
	Kind int
}

type frameWriter interface {
	Write([]byte) (int, error)
}

type frameReader interface {
	Read([]byte) (int, error)
}

func writeFrame(w frameWriter, mt messageType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := binary.Write(asWriter{w}, binary.BigEndian, mt); err != nil {
		return err
	}
	if err := binary.Write(asWriter{w}, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func readFrame(r frameReader) (messageType, []byte, error) {
	var mt messageType
	if err := binary.Read(asReader{r}, binary.BigEndian, &mt); err != nil {
		return 0, nil, err
	}
	var length uint32
	if err := binary.Read(asReader{r}, binary.BigEndian, &length); err != nil {
		return 0, nil, err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(asReader{r}, data); err != nil {
		return 0, nil, err
	}
	return mt, data, nil
}

// asWriter/asReader adapt the narrow frameWriter/frameReader interfaces (so
// this file only depends on io.Writer/io.Reader shapes, not *quic.Stream) to
// what encoding/binary needs.
type asWriter struct{ w frameWriter }

func (a asWriter) Write(p []byte) (int, error) { return a.w.Write(p) }

type asReader struct{ r frameReader }

func (a asReader) Read(p []byte) (int, error) { return a.r.Read(p) }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// errKind returns the shuffleerr.Kind of err's outermost *shuffleerr.Error,
// or 0 if err doesn't carry one.
func errKind(err error) int {
	var se *shuffleerr.Error
	if errors.As(err, &se) {
		return int(se.Kind)
	}
	return 0
}

func asError(s string, kind int) error {
	if s == "" {
		return nil
	}
	if kind != 0 {
		return shuffleerr.New(shuffleerr.Kind(kind), s)
	}
	return fmt.Errorf("%s", s)
}
