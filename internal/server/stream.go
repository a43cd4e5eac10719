package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/example/go-streamtts/internal/tts"
)

// Stream protocol: the client sends JSON commands, the server answers
// with JSON events. Each "text" span triggers one audio chunk, so text
// and audio stay in lockstep; "end" closes the text stream and drains
// the remaining audio. When a vocoder is configured, every chunk event
// is followed by one binary frame of little-endian float32 PCM.
type streamCommand struct {
	Type   string  `json:"type"` // "start", "text", "end"
	Voice  string  `json:"voice,omitempty"`
	Tokens []int64 `json:"tokens,omitempty"`
}

type streamEvent struct {
	Type     string    `json:"type"` // "started", "chunk", "done", "error"
	Session  string    `json:"session,omitempty"`
	Rows     [][]int64 `json:"rows,omitempty"`
	Finished bool      `json:"finished,omitempty"`
	Error    string    `json:"error,omitempty"`
}

func (h *handler) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WarnContext(r.Context(), "websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer func() { _ = conn.Close() }()

	release, ok := h.acquire(r.Context())
	if !ok {
		return
	}
	defer release()

	st := &streamState{handler: h, conn: conn, ctx: r.Context()}
	st.run()
}

type streamState struct {
	*handler
	conn    *websocket.Conn
	ctx     context.Context
	session *tts.Session
	written int
}

func (st *streamState) run() {
	for {
		_, data, err := st.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				st.log.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}

		var cmd streamCommand
		if err := sonic.Unmarshal(data, &cmd); err != nil {
			st.fail("invalid JSON: " + err.Error())
			return
		}

		done, err := st.dispatch(cmd)
		if err != nil {
			st.fail(err.Error())
			return
		}
		if done {
			st.send(streamEvent{Type: "done", Finished: true})
			return
		}
	}
}

func (st *streamState) dispatch(cmd streamCommand) (bool, error) {
	switch cmd.Type {
	case "start":
		return false, st.start(cmd.Voice)
	case "text":
		return st.text(cmd.Tokens)
	case "end":
		return true, st.drain()
	default:
		return false, fmt.Errorf("unknown command %q", cmd.Type)
	}
}

func (st *streamState) start(voice string) error {
	if st.session != nil {
		return fmt.Errorf("session already started")
	}
	session, err := st.svc.NewSession(voice)
	if err != nil {
		return err
	}
	st.session = session
	st.send(streamEvent{Type: "started", Session: session.ID()})
	return nil
}

// text writes one span and generates one audio chunk against it.
func (st *streamState) text(tokens []int64) (bool, error) {
	if st.session == nil {
		return false, fmt.Errorf("no session, send start first")
	}
	if st.written+len(tokens) > st.opts.maxTextTokens {
		return false, fmt.Errorf("text exceeds the %d token limit", st.opts.maxTextTokens)
	}
	if err := st.session.WriteText(tokens); err != nil {
		return false, err
	}
	st.written += len(tokens)
	return st.emitChunk()
}

// drain closes the text stream and generates until the decoder stops.
func (st *streamState) drain() error {
	if st.session == nil {
		return fmt.Errorf("no session, send start first")
	}
	st.session.CloseText()

	sc := st.svc.SpeechConfig()
	budget := int(sc.MaxPositionEmbeddings - sc.ConditionLength())
	for i := 0; i < budget; i += st.chunkSize() {
		finished, err := st.emitChunk()
		if err != nil {
			return err
		}
		if finished {
			return nil
		}
	}
	return fmt.Errorf("generation exceeded the position budget")
}

func (st *streamState) chunkSize() int {
	if n := st.svc.Config().Decoder.ChunkSize; n > 0 {
		return n
	}
	return int(st.svc.SpeechConfig().StreamingAudioChunkSize)
}

func (st *streamState) emitChunk() (bool, error) {
	if err := st.ctx.Err(); err != nil {
		return false, err
	}
	res, err := st.session.GenerateChunk(st.chunkSize())
	if err != nil {
		return false, err
	}

	st.send(streamEvent{Type: "chunk", Rows: res.Rows, Finished: res.Finished})

	if st.svc.HasVocoder() && len(res.Rows) > 0 {
		mel, err := st.svc.DecodeRows(res.Rows)
		if err != nil {
			return false, err
		}
		samples, err := st.svc.Waveform(st.ctx, mel)
		if err != nil {
			return false, err
		}
		if err := st.conn.WriteMessage(websocket.BinaryMessage, encodePCM(samples)); err != nil {
			return false, err
		}
	}
	return res.Finished, nil
}

func (st *streamState) send(ev streamEvent) {
	data, err := sonic.Marshal(ev)
	if err != nil {
		st.log.Error("encode stream event", slog.String("error", err.Error()))
		return
	}
	if err := st.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		st.log.Warn("websocket write failed", slog.String("error", err.Error()))
	}
}

func (st *streamState) fail(msg string) {
	st.send(streamEvent{Type: "error", Error: msg})
}

func encodePCM(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}
