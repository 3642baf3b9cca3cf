package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nugget/mcphub/internal/jsonrpc"
)

// pipeChannel is an in-memory Channel. Messages written by the test
// via deliver() show up on Recv; messages Sent by the Conn are handed
// to the test's onSend hook.
type pipeChannel struct {
	mu     sync.Mutex
	inbox  chan []byte
	onSend func(data []byte)
	closed bool
}

func newPipeChannel() *pipeChannel {
	return &pipeChannel{inbox: make(chan []byte, 16)}
}

func (p *pipeChannel) deliver(data []byte) { p.inbox <- data }

func (p *pipeChannel) drop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.inbox)
	}
}

func (p *pipeChannel) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("channel closed")
	}
	if p.onSend != nil {
		p.onSend(data)
	}
	return nil
}

func (p *pipeChannel) Recv() ([]byte, error) {
	data, ok := <-p.inbox
	if !ok {
		return nil, errors.New("channel dropped")
	}
	return data, nil
}

func (p *pipeChannel) Close() error {
	p.drop()
	return nil
}

// echoChannel answers every request with a success response echoing
// the method name.
func echoChannel() *pipeChannel {
	ch := newPipeChannel()
	ch.onSend = func(data []byte) {
		req, _, err := jsonrpc.Decode(data)
		if err != nil || req == nil {
			return
		}
		resp := jsonrpc.MakeSuccess(req.ID, map[string]any{"method": req.Method})
		out, _ := jsonrpc.Encode(resp)
		go ch.deliver(out)
	}
	return ch
}

func TestConnCall(t *testing.T) {
	ch := echoChannel()
	conn := NewConn(ch)
	defer conn.Close()

	resp, err := conn.Call(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	var result map[string]string
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result["method"] != "ping" {
		t.Errorf("method = %q, want %q", result["method"], "ping")
	}
}

func TestConnConcurrentCallsCorrelate(t *testing.T) {
	ch := echoChannel()
	conn := NewConn(ch)
	defer conn.Close()

	var wg sync.WaitGroup
	for _, method := range []string{"tools/list", "resources/list", "prompts/list", "ping"} {
		wg.Add(1)
		go func(method string) {
			defer wg.Done()
			resp, err := conn.Call(context.Background(), method, nil)
			if err != nil {
				t.Errorf("Call %s: %v", method, err)
				return
			}
			var result map[string]string
			if err := json.Unmarshal(resp.Result, &result); err != nil {
				t.Errorf("unmarshal %s: %v", method, err)
				return
			}
			if result["method"] != method {
				t.Errorf("response for %s carried %q", method, result["method"])
			}
		}(method)
	}
	wg.Wait()
}

func TestConnRemoteError(t *testing.T) {
	ch := newPipeChannel()
	ch.onSend = func(data []byte) {
		req, _, _ := jsonrpc.Decode(data)
		resp := jsonrpc.MakeError(req.ID, jsonrpc.CodeMethodNotFound, "Method not found", nil)
		out, _ := jsonrpc.Encode(resp)
		go ch.deliver(out)
	}
	conn := NewConn(ch)
	defer conn.Close()

	_, err := conn.Call(context.Background(), "nope", nil)
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *jsonrpc.Error", err)
	}
	if rpcErr.Code != jsonrpc.CodeMethodNotFound {
		t.Errorf("Code = %d, want %d", rpcErr.Code, jsonrpc.CodeMethodNotFound)
	}
}

func TestConnCallTimeout(t *testing.T) {
	ch := newPipeChannel() // never answers
	conn := NewConn(ch, WithCallTimeout(50*time.Millisecond))
	defer conn.Close()

	_, err := conn.Call(context.Background(), "ping", nil)
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *jsonrpc.Error", err)
	}
	if rpcErr.Code != jsonrpc.CodeTimeout {
		t.Errorf("Code = %d, want %d", rpcErr.Code, jsonrpc.CodeTimeout)
	}
}

func TestConnDropFailsInFlightCalls(t *testing.T) {
	ch := newPipeChannel()
	conn := NewConn(ch)
	defer conn.Close()

	dropped := make(chan error, 1)
	conn.OnDrop(func(err error) { dropped <- err })

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), "ping", nil)
		errCh <- err
	}()

	// Let the call register, then kill the channel.
	time.Sleep(20 * time.Millisecond)
	ch.drop()

	err := <-errCh
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *jsonrpc.Error", err)
	}
	if rpcErr.Code != jsonrpc.CodeConnectionClosed {
		t.Errorf("Code = %d, want %d", rpcErr.Code, jsonrpc.CodeConnectionClosed)
	}

	select {
	case <-dropped:
	case <-time.After(time.Second):
		t.Error("OnDrop callback never fired")
	}
}

func TestConnAnswersPeerRequestsWithMethodNotFound(t *testing.T) {
	ch := newPipeChannel()
	replies := make(chan []byte, 1)
	ch.onSend = func(data []byte) { replies <- data }
	conn := NewConn(ch)
	defer conn.Close()

	req, _ := jsonrpc.NewRequest("peer-1", "sampling/createMessage", nil)
	data, _ := jsonrpc.Encode(req)
	ch.deliver(data)

	select {
	case data := <-replies:
		_, resp, err := jsonrpc.Decode(data)
		if err != nil || resp == nil {
			t.Fatalf("reply is not a response: %v", err)
		}
		if resp.ID != "peer-1" {
			t.Errorf("ID = %q, want %q", resp.ID, "peer-1")
		}
		if resp.Error == nil || resp.Error.Code != jsonrpc.CodeMethodNotFound {
			t.Errorf("Error = %v, want MethodNotFound", resp.Error)
		}
	case <-time.After(time.Second):
		t.Fatal("no reply to peer request")
	}
}

func TestConnCloseCancelsPending(t *testing.T) {
	ch := newPipeChannel()
	conn := NewConn(ch)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), "ping", nil)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := <-errCh; !errors.Is(err, ErrCancelled) {
		t.Errorf("err = %v, want ErrCancelled", err)
	}

	// Close is idempotent, and Call after Close fails fast.
	if err := conn.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := conn.Call(context.Background(), "ping", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Call after Close: %v, want ErrClosed", err)
	}
}
