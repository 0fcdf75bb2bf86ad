package transfer

import (
	"context"
	"io"

	"github.com/moyoez/batchsend/types"
)

// ProgressFunc reports how many bytes of total have been sent so far.
// total may be 0 when the transport does not know it.
type ProgressFunc func(sent, total int64)

// Transport sends one file to the ingestion side. Send blocks until the
// transfer has a terminal outcome: nil on success, an error otherwise. It
// must return promptly once ctx is cancelled and must not call progress
// after it has returned. Retrying is not the transport's business.
type Transport interface {
	Send(ctx context.Context, meta types.UnitMeta, body io.Reader, progress ProgressFunc) error
}

// TransportFunc adapts a plain function to Transport.
type TransportFunc func(ctx context.Context, meta types.UnitMeta, body io.Reader, progress ProgressFunc) error

func (f TransportFunc) Send(ctx context.Context, meta types.UnitMeta, body io.Reader, progress ProgressFunc) error {
	return f(ctx, meta, body, progress)
}
