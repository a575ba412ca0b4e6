package session

import (
	"context"
	"log/slog"

	"github.com/MrWong99/voxlive/internal/playback"
	"github.com/MrWong99/voxlive/pkg/provider/s2s"
)

// run is the per-connection event loop. Captured frames and inbound
// messages are the loop's two event sources; each is handled to completion
// before the next is taken, in arrival order.
func (m *Manager) run(ctx context.Context, c *conn) {
	cause, ended := m.loop(ctx, c)
	close(c.done)
	if ended {
		m.end(c, cause)
	}
}

// loop returns ended=true when the connection finished on its own, with the
// cause (nil for a clean remote close). It returns ended=false when ctx was
// cancelled by teardown.
func (m *Manager) loop(ctx context.Context, c *conn) (cause error, ended bool) {
	frames := c.capture.Frames()
	msgs := c.handle.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil, false

		case f, ok := <-frames:
			if !ok {
				if ctx.Err() != nil {
					return nil, false
				}
				return errCaptureStopped, true
			}
			c.pipe.Process(ctx, f)

		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil, false
				}
				return c.handle.Err(), true
			}
			m.handleMessage(ctx, c, msg)
		}
	}
}

// handleMessage schedules the message's audio and then applies its
// interruption flag.
func (m *Manager) handleMessage(ctx context.Context, c *conn, msg s2s.Message) {
	for _, blob := range msg.Audio {
		if _, err := c.player.HandleChunk(ctx, blob); err != nil {
			slog.Warn("session: dropped audio chunk", "session_id", c.id, "mime_type", blob.MIMEType, "err", err)
		}
	}
	if msg.Interrupted {
		n := c.sched.Interrupt(playback.ServerInterrupt)
		m.metrics.RecordInterruption(ctx, playback.ServerInterrupt.String())
		slog.Debug("session: playback interrupted", "session_id", c.id, "stopped", n)
	}
	if msg.TurnComplete {
		slog.Debug("session: turn complete", "session_id", c.id)
	}
}
