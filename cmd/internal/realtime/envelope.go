package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/luckysmithlee/im-next/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// newEnvelope wraps payload in a v1 envelope. Payloads are plain structs, so marshal
// cannot fail for them.
func newEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	raw, _ := json.Marshal(payload)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: raw,
	}
}

func errorEnvelope(code, msg, clientID string, ts time.Time) v1.Envelope {
	return newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg, ClientID: clientID}, ts)
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, badJSONError{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

type badJSONError struct{ err error }

func (e badJSONError) Error() string { return "bad json: " + e.err.Error() }
func (e badJSONError) Unwrap() error { return e.err }
