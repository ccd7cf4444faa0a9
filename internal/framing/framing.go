// Package framing découpe un flux en messages protobuf : une longueur en
// uvarint suivie du message sérialisé. Le serveur d'état l'utilise sur ses
// streams QUIC.
package framing

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"google.golang.org/protobuf/proto"
)

// MaxFrameSize borne un message. Un instantané de quelques milliers de
// téléchargements reste loin en dessous.
const MaxFrameSize = 16 * datasize.MB

var (
	ErrFrameTooLarge   = errors.New("frame exceeds maximum size")
	ErrInvalidUvarint  = errors.New("invalid uvarint length prefix")
	ErrIncompleteFrame = errors.New("incomplete frame")
)

type deadliner interface {
	SetReadDeadline(time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(time.Time) error
}

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 4096)
		return &b
	},
}

func getBuffer() *[]byte { return bufPool.Get().(*[]byte) }

func putBuffer(b *[]byte) {
	// Les gros tampons ne reviennent pas dans le pool.
	if cap(*b) > 1<<20 {
		return
	}
	*b = (*b)[:0]
	bufPool.Put(b)
}

type messageWriter struct {
	w      io.Writer
	logger *slog.Logger
}

// NewMessageWriter renvoie un Writer sur w.
func NewMessageWriter(w io.Writer, logger *slog.Logger) Writer {
	if logger == nil {
		logger = slog.Default().With("component", "framing")
	}
	return &messageWriter{w: w, logger: logger}
}

func (mw *messageWriter) WriteMsg(ctx context.Context, msg proto.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	size := proto.Size(msg)
	if uint64(size) > MaxFrameSize.Bytes() {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	bp := getBuffer()
	defer putBuffer(bp)
	buf := binary.AppendUvarint(*bp, uint64(size))
	buf, err := proto.MarshalOptions{}.MarshalAppend(buf, msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	*bp = buf

	if d, ok := mw.w.(writeDeadliner); ok {
		if dl, has := ctx.Deadline(); has {
			_ = d.SetWriteDeadline(dl)
			defer d.SetWriteDeadline(time.Time{})
		}
	}
	if _, err := mw.w.Write(buf); err != nil {
		mw.logger.Debug("Frame write failed", "size", len(buf), "error", err)
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

type messageReader struct {
	r      *bufio.Reader
	raw    io.Reader
	logger *slog.Logger
}

// NewMessageReader renvoie un Reader sur r.
func NewMessageReader(r io.Reader, logger *slog.Logger) Reader {
	if logger == nil {
		logger = slog.Default().With("component", "framing")
	}
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &messageReader{r: br, raw: r, logger: logger}
}

func (mr *messageReader) ReadMsg(ctx context.Context, msg proto.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d, ok := mr.raw.(deadliner); ok {
		if dl, has := ctx.Deadline(); has {
			_ = d.SetReadDeadline(dl)
			defer d.SetReadDeadline(time.Time{})
		}
	}

	size, err := binary.ReadUvarint(mr.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrIncompleteFrame
		}
		return fmt.Errorf("%w: %v", ErrInvalidUvarint, err)
	}
	if size > MaxFrameSize.Bytes() {
		return fmt.Errorf("%w: %d bytes announced", ErrFrameTooLarge, size)
	}

	bp := getBuffer()
	defer putBuffer(bp)
	if uint64(cap(*bp)) < size {
		*bp = make([]byte, size)
	}
	buf := (*bp)[:size]
	if _, err := io.ReadFull(mr.r, buf); err != nil {
		mr.logger.Debug("Short frame", "expected", size, "error", err)
		return fmt.Errorf("%w: %v", ErrIncompleteFrame, err)
	}
	if err := proto.Unmarshal(buf, msg); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
