package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Send writes m to w as a single length-prefixed frame: a big-endian u32
// byte count followed by the envelope bytes.
func Send(w io.Writer, m Message) error {
	payload := Encode(m)
	if len(payload) > MaxFrameBytes {
		return fmt.Errorf("wire: frame of %d bytes exceeds max %d", len(payload), MaxFrameBytes)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// Recv reads one length-prefixed frame from r and decodes it.
func Recv(r io.Reader) (Message, error) {
	payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	m, err := Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: decode frame: %w", err)
	}
	return m, nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("wire: read header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameBytes {
		return nil, fmt.Errorf("wire: frame header claims %d bytes, exceeds max %d", n, MaxFrameBytes)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}
	return payload, nil
}

// SendUpload streams r's contents to w as a sequence of UploadChunk frames
// followed by a terminal UploadDone, chunked at StreamChunkSize.
func SendUpload(w io.Writer, r io.Reader) error {
	buf := make([]byte, StreamChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if sendErr := Send(w, UploadChunk{Data: append([]byte(nil), buf[:n]...)}); sendErr != nil {
				return sendErr
			}
		}
		if err == io.EOF {
			return Send(w, UploadDone{})
		}
		if err != nil {
			return fmt.Errorf("wire: read upload source: %w", err)
		}
	}
}

// RecvUploadToWriter reads UploadChunk frames off r, writing each chunk to
// dst, until it observes an UploadDone. It enforces MaxUploadBytes across the
// whole stream.
func RecvUploadToWriter(r io.Reader, dst io.Writer) (int64, error) {
	var total int64
	for {
		m, err := Recv(r)
		if err != nil {
			return total, err
		}
		switch v := m.(type) {
		case UploadChunk:
			total += int64(len(v.Data))
			if total > MaxUploadBytes {
				return total, fmt.Errorf("wire: upload exceeds max %d bytes", MaxUploadBytes)
			}
			if _, err := dst.Write(v.Data); err != nil {
				return total, fmt.Errorf("wire: write upload chunk: %w", err)
			}
		case UploadDone:
			return total, nil
		default:
			return total, fmt.Errorf("wire: unexpected message %T during upload", m)
		}
	}
}

// SendDownloadFromReader streams r's contents to w as DownloadChunk frames
// followed by DownloadDone, or, if reading r fails, by a DownloadError
// carrying the read error after whatever chunks were already sent.
func SendDownloadFromReader(w io.Writer, r io.Reader) error {
	buf := make([]byte, StreamChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if sendErr := Send(w, DownloadChunk{Data: append([]byte(nil), buf[:n]...)}); sendErr != nil {
				return sendErr
			}
		}
		if err == io.EOF {
			return Send(w, DownloadDone{})
		}
		if err != nil {
			return Send(w, DownloadError{Info: ErrorInfo{Code: ErrCodeInternal, Message: err.Error()}})
		}
	}
}

// RecvDownload reads DownloadChunk frames off r into dst until DownloadDone
// or DownloadError.
func RecvDownload(r io.Reader, dst io.Writer) (int64, error) {
	br := bufio.NewReaderSize(r, StreamChunkSize)
	var total int64
	for {
		m, err := Recv(br)
		if err != nil {
			return total, err
		}
		switch v := m.(type) {
		case DownloadChunk:
			total += int64(len(v.Data))
			if _, err := dst.Write(v.Data); err != nil {
				return total, fmt.Errorf("wire: write download chunk: %w", err)
			}
		case DownloadDone:
			return total, nil
		case DownloadError:
			return total, v.Info
		default:
			return total, fmt.Errorf("wire: unexpected message %T during download", m)
		}
	}
}
