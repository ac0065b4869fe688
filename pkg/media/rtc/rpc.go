package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ErrRPCClosed is returned by calls on a closed [RPC] connection.
var ErrRPCClosed = errors.New("rtc: rpc connection closed")

// RPCError is an error reply from the server.
type RPCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("rtc: rpc error %s: %s", e.Code, e.Message) }

type rpcMessage struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPC is a JSON request/response and notification channel over a websocket.
// Messages carrying an id and no method are replies; messages carrying a
// method are notifications.
type RPC struct {
	conn *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan rpcMessage
	notify  func(method string, params json.RawMessage)
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

// DialRPC connects to url. Notifications are delivered to notify on the read
// goroutine in arrival order.
func DialRPC(ctx context.Context, url string, header http.Header, notify func(method string, params json.RawMessage)) (*RPC, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("rtc: dial %s: %w", url, err)
	}
	conn.SetReadLimit(1 << 20)
	r := &RPC{
		conn:    conn,
		pending: make(map[string]chan rpcMessage),
		notify:  notify,
		done:    make(chan struct{}),
	}
	go r.readLoop()
	return r, nil
}

// Call sends method with params and decodes the reply into result (which may
// be nil).
func (r *RPC) Call(ctx context.Context, method string, params, result any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("rtc: encode %s: %w", method, err)
	}
	id := uuid.NewString()
	ch := make(chan rpcMessage, 1)

	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		return ErrRPCClosed
	}
	r.pending[id] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	if err := r.write(ctx, rpcMessage{ID: id, Method: method, Params: raw}); err != nil {
		return err
	}

	select {
	case reply := <-ch:
		if reply.Error != nil {
			return reply.Error
		}
		if result != nil && len(reply.Result) > 0 {
			if err := json.Unmarshal(reply.Result, result); err != nil {
				return fmt.Errorf("rtc: decode %s reply: %w", method, err)
			}
		}
		return nil
	case <-r.done:
		return ErrRPCClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify sends a fire-and-forget message.
func (r *RPC) Notify(ctx context.Context, method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("rtc: encode %s: %w", method, err)
	}
	return r.write(ctx, rpcMessage{Method: method, Params: raw})
}

func (r *RPC) write(ctx context.Context, m rpcMessage) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := r.conn.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("rtc: write %s: %w", m.Method, err)
	}
	return nil
}

func (r *RPC) readLoop() {
	ctx := context.Background()
	for {
		_, data, err := r.conn.Read(ctx)
		if err != nil {
			r.fail(err)
			return
		}
		var m rpcMessage
		if err := json.Unmarshal(data, &m); err != nil {
			slog.Warn("rtc: malformed rpc message", "err", err)
			continue
		}
		if m.Method == "" {
			r.mu.Lock()
			ch, ok := r.pending[m.ID]
			r.mu.Unlock()
			if ok {
				ch <- m
			}
			continue
		}
		if r.notify != nil {
			r.notify(m.Method, m.Params)
		}
	}
}

func (r *RPC) fail(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
	r.closeOnce.Do(func() { close(r.done) })
}

// Done is closed when the connection ends.
func (r *RPC) Done() <-chan struct{} { return r.done }

// Err returns the error that ended the connection, if any.
func (r *RPC) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close closes the connection.
func (r *RPC) Close() error {
	err := r.conn.Close(websocket.StatusNormalClosure, "bye")
	r.fail(ErrRPCClosed)
	return err
}
