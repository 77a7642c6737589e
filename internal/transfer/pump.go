package transfer

import (
	"errors"
	"io"
	"time"

	"github.com/dustin/go-humanize"
)

// pump drives bytes from the seeder's body to the leecher's response,
// applying mandatory backpressure (§5): it never reads past what it has
// already been able to write, and honours the shared cancellation context
// and the leecher's own disconnect signal between every block.
func (e *Engine) pump(t *Transfer, reader io.Reader, seederBody io.Closer) error {
	defer seederBody.Close()

	block := make([]byte, e.opts.BlockSize)
	start := time.Now()
	var sent int64

	for {
		remaining := t.currentTransferLen() - sent
		if remaining <= 0 {
			break
		}

		select {
		case <-t.ctx.Done():
			if t.wasExplicitlyCanceled() {
				return ErrCancelled
			}
			return ErrSourceAborted
		case <-t.leecher.closed:
			return ErrTargetAborted
		default:
		}

		n := int64(len(block))
		if remaining < n {
			n = remaining
		}

		if e.inLimiter != nil {
			if err := e.inLimiter.WaitN(t.ctx, int(n)); err != nil {
				return ErrSourceAborted
			}
		}

		if _, err := io.ReadFull(reader, block[:n]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// The seeder's body ended before transfer-len bytes.
				return ErrSourceAborted
			}
			if t.ctx.Err() != nil {
				return ErrSourceAborted
			}
			return ErrPumpIO
		}

		if e.outLimiter != nil {
			if err := e.outLimiter.WaitN(t.ctx, int(n)); err != nil {
				return ErrTargetAborted
			}
		}

		if _, err := t.leecher.w.Write(block[:n]); err != nil {
			select {
			case <-t.leecher.closed:
				return ErrTargetAborted
			default:
				return ErrPumpIO
			}
		}
		if t.leecher.flush != nil {
			t.leecher.flush()
		}

		sent += n
		t.addTransferred(n)

		if elapsed := time.Since(start).Seconds(); elapsed > 0 {
			t.setBandwidth(float64(sent) / elapsed)
		}
	}

	e.log.Debug().
		Str("transfer", t.ID).
		Str("transferred", humanize.Bytes(uint64(sent))).
		Msg("transfer completed")
	return nil
}
