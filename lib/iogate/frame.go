// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package iogate

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Frame layout: kind byte, codec byte, uvarint payload length,
// payload. A stream ends with exactly one EOF or error frame.
const (
	frameRecord byte = iota
	frameEOF
	frameError
)

const (
	codecNone byte = iota
	codecS2
	codecZstd
)

// maxFrameSize bounds the payload length accepted by a FrameReader,
// and the size of a record before compression and after
// decompression.
const maxFrameSize = 1 << 28

var errRecordTooLarge = errors.New("record exceeds size limit")

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(maxFrameSize))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// ErrRemoteAbort wraps the message sent by a producer that failed
// before finishing its stream.
type ErrRemoteAbort struct {
	Message string
}

func (e *ErrRemoteAbort) Error() string {
	return "producer aborted: " + e.Message
}

// FrameWriter serializes records onto a byte stream.
type FrameWriter struct {
	w     *bufio.Writer
	level dataflow.CompressionLevel
	hdr   [2 + binary.MaxVarintLen64]byte
	buf   []byte
}

func NewFrameWriter(w io.Writer, level dataflow.CompressionLevel) *FrameWriter {
	return &FrameWriter{w: bufio.NewWriter(w), level: level}
}

func (fw *FrameWriter) WriteRecord(rec []byte) error {
	if len(rec) > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", errRecordTooLarge, len(rec))
	}
	codec, payload, err := fw.encode(rec)
	if err != nil {
		return err
	}
	return fw.writeFrame(frameRecord, codec, payload)
}

func (fw *FrameWriter) WriteEOF() error {
	return fw.writeFrame(frameEOF, codecNone, nil)
}

func (fw *FrameWriter) WriteError(msg string) error {
	return fw.writeFrame(frameError, codecNone, []byte(msg))
}

func (fw *FrameWriter) Flush() error {
	return fw.w.Flush()
}

func (fw *FrameWriter) writeFrame(kind, codec byte, payload []byte) error {
	fw.hdr[0] = kind
	fw.hdr[1] = codec
	n := binary.PutUvarint(fw.hdr[2:], uint64(len(payload)))
	if _, err := fw.w.Write(fw.hdr[:2+n]); err != nil {
		return err
	}
	_, err := fw.w.Write(payload)
	return err
}

func (fw *FrameWriter) encode(rec []byte) (byte, []byte, error) {
	switch fw.level {
	case dataflow.CompressionLight:
		fw.buf = s2.Encode(fw.buf[:0], rec)
		return codecS2, fw.buf, nil
	case dataflow.CompressionMedium:
		fw.buf = s2.EncodeBetter(fw.buf[:0], rec)
		return codecS2, fw.buf, nil
	case dataflow.CompressionHeavy:
		enc, _, err := zstdCodecs()
		if err != nil {
			return 0, nil, err
		}
		fw.buf = enc.EncodeAll(rec, fw.buf[:0])
		return codecZstd, fw.buf, nil
	default:
		return codecNone, rec, nil
	}
}

// FrameReader decodes a stream written by FrameWriter.
type FrameReader struct {
	r   *bufio.Reader
	end error
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// ReadRecord returns the next record, io.EOF at the end of a complete
// stream, *ErrRemoteAbort if the producer aborted, or
// io.ErrUnexpectedEOF if the stream was cut short.
func (fr *FrameReader) ReadRecord() ([]byte, error) {
	if fr.end != nil {
		return nil, fr.end
	}
	rec, err := fr.readFrame()
	if err != nil {
		fr.end = err
	}
	return rec, err
}

func (fr *FrameReader) readFrame() ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); errors.Is(err, io.EOF) {
		return nil, io.ErrUnexpectedEOF
	} else if err != nil {
		return nil, err
	}
	size, err := binary.ReadUvarint(fr.r)
	if errors.Is(err, io.EOF) {
		return nil, io.ErrUnexpectedEOF
	} else if err != nil {
		return nil, err
	} else if size > maxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(fr.r, payload); errors.Is(err, io.EOF) {
		return nil, io.ErrUnexpectedEOF
	} else if err != nil {
		return nil, err
	}
	switch hdr[0] {
	case frameRecord:
		return decode(hdr[1], payload)
	case frameEOF:
		return nil, io.EOF
	case frameError:
		return nil, &ErrRemoteAbort{Message: string(payload)}
	default:
		return nil, fmt.Errorf("unknown frame kind %d", hdr[0])
	}
}

func decode(codec byte, payload []byte) ([]byte, error) {
	switch codec {
	case codecNone:
		return payload, nil
	case codecS2:
		size, err := s2.DecodedLen(payload)
		if err != nil {
			return nil, err
		} else if size > maxFrameSize {
			return nil, fmt.Errorf("%w: %d bytes", errRecordTooLarge, size)
		}
		return s2.Decode(nil, payload)
	case codecZstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		rec, err := dec.DecodeAll(payload, nil)
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
			return nil, fmt.Errorf("%w: %v", errRecordTooLarge, err)
		}
		return rec, err
	default:
		return nil, fmt.Errorf("unknown frame codec %d", codec)
	}
}

// StreamSink returns a Sink that writes frames to wc and closes it
// after the final frame.
func StreamSink(wc io.WriteCloser, level dataflow.CompressionLevel) Sink {
	return &streamSink{wc: wc, fw: NewFrameWriter(wc, level)}
}

type streamSink struct {
	wc io.WriteCloser
	fw *FrameWriter
}

func (s *streamSink) Send(rec []byte) error { return s.fw.WriteRecord(rec) }
func (s *streamSink) Flush() error          { return s.fw.Flush() }

func (s *streamSink) CloseSend() error {
	err := s.fw.WriteEOF()
	if err == nil {
		err = s.fw.Flush()
	}
	if cerr := s.wc.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *streamSink) Abort(err error) {
	s.fw.WriteError(err.Error())
	s.fw.Flush()
	s.wc.Close()
}
