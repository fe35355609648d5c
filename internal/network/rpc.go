package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/archipelago-sim/archipelago/internal/message"
)

// rpcPath is the request-reply endpoint exposed by reply sockets.
const rpcPath = "/rpc"

const rpcContentType = "application/msgpack"

// Request is one in-flight inbound request. The consumer must call
// Reply exactly once.
type Request struct {
	From  string
	Msg   message.Message
	reply chan message.Message
}

// Reply answers the request.
func (r *Request) Reply(m message.Message) {
	r.reply <- m
}

// ReplySocket is the reply side of the request-reply pattern: an HTTP
// server handing inbound requests to a single consumer in arrival
// order. The coordinator and the sync server own one each.
type ReplySocket struct {
	logger *slog.Logger
	ln     net.Listener
	srv    *http.Server
	reqs   chan *Request
}

// ListenReply binds the reply endpoint. Bind failures are fatal to the
// process.
func ListenReply(ip string, port int, logger *slog.Logger) (*ReplySocket, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return nil, fmt.Errorf("bind reply socket %s:%d: %w", ip, port, err)
	}

	r := &ReplySocket{
		logger: logger,
		ln:     ln,
		reqs:   make(chan *Request),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+rpcPath, r.handle)
	r.srv = &http.Server{Handler: mux}
	go func() {
		if err := r.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("reply server stopped", "error", err)
		}
	}()
	return r, nil
}

// Requests yields inbound requests to the single consumer.
func (r *ReplySocket) Requests() <-chan *Request {
	return r.reqs
}

// Port reports the bound port.
func (r *ReplySocket) Port() int {
	return r.ln.Addr().(*net.TCPAddr).Port
}

// Close stops the server. In-flight handlers are released by their
// request contexts.
func (r *ReplySocket) Close() error {
	return r.srv.Close()
}

func (r *ReplySocket) handle(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, "read request", http.StatusBadRequest)
		return
	}
	rec, msg, err := message.DecodeReq(body)
	if err != nil {
		// Malformed request records get the generic negative ack.
		r.logger.Warn("malformed request record", "error", err)
		writeReply(w, r.logger, message.Err())
		return
	}

	inflight := &Request{From: rec.From, Msg: msg, reply: make(chan message.Message, 1)}
	select {
	case r.reqs <- inflight:
	case <-req.Context().Done():
		return
	}
	select {
	case reply := <-inflight.reply:
		writeReply(w, r.logger, reply)
	case <-req.Context().Done():
	}
}

func writeReply(w http.ResponseWriter, logger *slog.Logger, m message.Message) {
	data, err := message.Encode(m)
	if err != nil {
		logger.Error("encode reply", "error", err)
		http.Error(w, "encode reply", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", rpcContentType)
	if _, err := w.Write(data); err != nil {
		logger.Debug("write reply", "error", err)
	}
}

// RequestSocket is the request side of the pattern. Request blocks for
// the round trip, retrying connection failures until the context
// expires: hosts bootstrap in arbitrary order, so the remote endpoint
// may not be listening yet.
type RequestSocket struct {
	logger   *slog.Logger
	identity string
	endpoint string
	client   *http.Client
}

// NewRequest creates a request socket towards ip:port.
func NewRequest(ip string, port int, identity string, logger *slog.Logger) *RequestSocket {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestSocket{
		logger:   logger,
		identity: identity,
		endpoint: fmt.Sprintf("http://%s:%d%s", ip, port, rpcPath),
		// Control traffic is sparse; forgoing keep-alives keeps the
		// process free of idle-connection goroutines at shutdown.
		client: &http.Client{Transport: &http.Transport{DisableKeepAlives: true}},
	}
}

// Request sends msg and returns the remote reply.
func (r *RequestSocket) Request(ctx context.Context, msg message.Message) (message.Message, error) {
	data, err := message.EncodeReq(r.identity, msg)
	if err != nil {
		return message.Message{}, err
	}

	for {
		reply, err := r.roundTrip(ctx, data)
		if err == nil {
			return reply, nil
		}
		r.logger.Debug("request retry", "endpoint", r.endpoint, "error", err)
		select {
		case <-ctx.Done():
			return message.Message{}, fmt.Errorf("request %s to %s: %w", msg, r.endpoint, ctx.Err())
		case <-time.After(dialRetryInterval):
		}
	}
}

func (r *RequestSocket) roundTrip(ctx context.Context, data []byte) (message.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(data))
	if err != nil {
		return message.Message{}, err
	}
	req.Header.Set("Content-Type", rpcContentType)

	resp, err := r.client.Do(req)
	if err != nil {
		return message.Message{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return message.Message{}, fmt.Errorf("unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return message.Message{}, err
	}
	return message.Decode(body)
}
