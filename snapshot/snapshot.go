// Package snapshot stores the state of a simulated bridge hierarchy in a
// framed binary file so that it can be inspected later.
//
// Record format:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
//
// A file is a sequence of MsgBridge records, each optionally followed by a
// MsgConfig record with the raw configuration space of that bridge, and is
// terminated by MsgDone.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"github.com/bobuhiro11/gopcib/pcib"
)

// MsgType identifies a record.
type MsgType uint32

const (
	MsgBridge MsgType = 1 // gob-encoded pcib.State
	MsgConfig MsgType = 2 // raw configuration space of the preceding bridge
	MsgDone   MsgType = 3
)

const headerSize = 12

var (
	ErrOrphanConfig = errors.New("config record without a bridge record")
	ErrUnknownType  = errors.New("unknown record type")
	ErrTruncated    = errors.New("snapshot ends without a done record")
)

// Writer writes records to an underlying writer.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

func (w *Writer) write(t MsgType, payload []byte) error {
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	if _, err := w.w.Write(hdr); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	if len(payload) > 0 {
		if _, err := w.w.Write(payload); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}

	return nil
}

// WriteBridge gob-encodes st as a MsgBridge record.
func (w *Writer) WriteBridge(st *pcib.State) error {
	var buf bytes.Buffer

	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		return fmt.Errorf("encode bridge %s: %w", st.Name, err)
	}

	return w.write(MsgBridge, buf.Bytes())
}

// WriteConfig stores the configuration space image of the last bridge.
func (w *Writer) WriteConfig(raw []byte) error {
	return w.write(MsgConfig, raw)
}

// Close terminates the file. It does not close the underlying writer.
func (w *Writer) Close() error { return w.write(MsgDone, nil) }

// Reader reads records from an underlying reader.
type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader { return &Reader{r: r} }

// Next reads the next record header and returns the type and full payload.
func (r *Reader) Next() (MsgType, []byte, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length == 0 {
		return t, nil, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload (type=%d len=%d): %w", t, length, err)
	}

	return t, payload, nil
}

// DecodeBridge decodes a MsgBridge payload.
func DecodeBridge(payload []byte) (*pcib.State, error) {
	st := &pcib.State{}

	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(st); err != nil {
		return nil, fmt.Errorf("decode bridge: %w", err)
	}

	return st, nil
}

// Record is one bridge of a snapshot.
type Record struct {
	State  pcib.State
	Config []byte
}

// ReadAll reads records up to and including MsgDone.
func ReadAll(r io.Reader) ([]Record, error) {
	rd := NewReader(r)

	var recs []Record

	for {
		t, payload, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return recs, ErrTruncated
		}

		if err != nil {
			return recs, err
		}

		switch t {
		case MsgBridge:
			st, err := DecodeBridge(payload)
			if err != nil {
				return recs, err
			}

			recs = append(recs, Record{State: *st})
		case MsgConfig:
			if len(recs) == 0 {
				return recs, ErrOrphanConfig
			}

			recs[len(recs)-1].Config = payload
		case MsgDone:
			return recs, nil
		default:
			return recs, fmt.Errorf("%w: %d", ErrUnknownType, t)
		}
	}
}
