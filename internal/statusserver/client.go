package statusserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math"
	"time"

	"swarmd/internal/framing"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Snapshot est la réponse décodée d'un serveur d'état.
type Snapshot struct {
	ID      string
	Taken   time.Time
	Entries []map[string]any
}

const (
	// Plafond du nombre d'entrées annoncé par un serveur.
	maxSnapshotEntries = 1 << 20
	// Le reste des entrées est alloué au fil de la lecture.
	entryPrealloc = 256
)

// entryCount valide le nombre d'entrées annoncé dans l'en-tête.
func entryCount(header *structpb.Struct) (int, error) {
	v := header.GetFields()["count"].GetNumberValue()
	if math.IsNaN(v) || v < 0 || v > maxSnapshotEntries || v != math.Trunc(v) {
		return 0, fmt.Errorf("%w: entry count %v", ErrBadRequest, v)
	}
	return int(v), nil
}

// Fetch interroge le serveur d'état à addr. prefix restreint la réponse aux
// chemins qui le portent.
func Fetch(ctx context.Context, addr string, tlsConf *tls.Config, prefix string, logger *slog.Logger) (*Snapshot, error) {
	if logger == nil {
		logger = slog.Default().With("component", "statusclient")
	}
	if tlsConf == nil {
		tlsConf = ClientTLS(false)
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{HandshakeIdleTimeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.CloseWithError(quic.ApplicationErrorCode(0), "status fetched")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream to %s: %w", addr, err)
	}
	defer stream.CancelRead(0)

	id := uuid.NewString()
	req, err := structpb.NewStruct(map[string]any{"id": id, "prefix": prefix})
	if err != nil {
		return nil, err
	}
	if err := framing.NewMessageWriter(stream, logger).WriteMsg(ctx, req); err != nil {
		return nil, err
	}
	if err := stream.Close(); err != nil {
		return nil, fmt.Errorf("closing request side: %w", err)
	}

	reader := framing.NewMessageReader(stream, logger)
	var ts timestamppb.Timestamp
	if err := reader.ReadMsg(ctx, &ts); err != nil {
		return nil, fmt.Errorf("reading snapshot time: %w", err)
	}
	var header structpb.Struct
	if err := reader.ReadMsg(ctx, &header); err != nil {
		return nil, fmt.Errorf("reading snapshot header: %w", err)
	}
	if got := header.GetFields()["id"].GetStringValue(); got != id {
		return nil, fmt.Errorf("%w: answer for request %q, expected %q", ErrBadRequest, got, id)
	}

	count, err := entryCount(&header)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{ID: id, Taken: ts.AsTime(), Entries: make([]map[string]any, 0, min(count, entryPrealloc))}
	for range count {
		var e structpb.Struct
		if err := reader.ReadMsg(ctx, &e); err != nil {
			return nil, fmt.Errorf("reading entry %d/%d: %w", len(snap.Entries)+1, count, err)
		}
		snap.Entries = append(snap.Entries, e.AsMap())
	}
	return snap, nil
}
