// Package messenger implements the send/receive state machine: outbound
// delivery over a SOCKS5-proxied HTTP POST to a peer's derived onion
// address, and inbound acceptance of a verified envelope.
//
// Grounded on go-node/chat.go for the "encode, sign, hand to transport"
// send shape and on keysaver-server/server.go's handler style for the
// persist-only-on-success durability rule; the SOCKS5 dial itself follows
// the golang.org/x/net/proxy idiom used for anonymizing-proxy traffic
// elsewhere in the retrieved pack (laplaque-ai-anonymizing-proxy).
package messenger

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/proxy"

	"tormsngr/internal/apperr"
	"tormsngr/internal/identity"
	"tormsngr/internal/store"
	"tormsngr/internal/wire"
)

// onionPort is the fixed port every instance listens and is addressed on.
const onionPort = 59001

// Signer is the local identity's signing capability, as consumed by the
// wire codec.
type Signer interface {
	Public() ed25519.PublicKey
	Sign([]byte) []byte
}

// OutboundDraft is a message the owner wants delivered to a correspondent.
type OutboundDraft struct {
	TrackingID uuid.UUID
	To         ed25519.PublicKey
	Content    string
}

// Messenger wires the identity, wire codec, and store together around an
// outbound HTTP client dialed through a SOCKS5 proxy.
type Messenger struct {
	id     Signer
	store  *store.Store
	client *http.Client
}

// New builds a Messenger that reaches peers through the SOCKS5 proxy at
// proxyAddr (host:port, e.g. "127.0.0.1:9050"). Dialing goes through the
// proxy's own hostname resolution (required for .onion addresses, which
// cannot be resolved locally).
func New(id Signer, st *store.Store, proxyAddr string) (*Messenger, error) {
	dialer, err := proxy.SOCKS5("tcp", proxyAddr, nil, proxy.Direct)
	if err != nil {
		return nil, apperr.New(apperr.KindTransport, fmt.Errorf("build socks5 dialer: %w", err))
	}

	transport := &http.Transport{
		DialContext: contextDialerFunc(dialer),
	}

	return &Messenger{
		id:    id,
		store: st,
		client: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
	}, nil
}

// contextDialerFunc adapts a proxy.Dialer to the http.Transport.DialContext
// shape, preferring the dialer's own DialContext when it implements
// proxy.ContextDialer (the SOCKS5 dialer in golang.org/x/net/proxy does)
// and falling back to a goroutine-wrapped Dial otherwise.
func contextDialerFunc(dialer proxy.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		type result struct {
			conn net.Conn
			err  error
		}
		ch := make(chan result, 1)
		go func() {
			conn, err := dialer.Dial(network, addr)
			ch <- result{conn, err}
		}()
		select {
		case r := <-ch:
			return r.conn, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Send derives the recipient's onion address, signs and encodes the
// envelope, and POSTs it through the proxy. The message is persisted
// locally only if the remote peer accepted it with a 2xx status.
func (m *Messenger) Send(ctx context.Context, draft OutboundDraft) error {
	host, err := identity.DeriveOnionV3(draft.To)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	frame := wire.Encode(m.id, wire.OutboundDraft{Time: now, Content: draft.Content})

	url := fmt.Sprintf("http://%s.onion:%d", host, onionPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(frame))
	if err != nil {
		return apperr.New(apperr.KindTransport, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := m.client.Do(req)
	if err != nil {
		return apperr.New(apperr.KindTransport, fmt.Errorf("post to %s: %w", url, err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.RemoteRejected(resp.StatusCode)
	}

	return m.store.SaveOutbound(draft.TrackingID, draft.To, now, draft.Content)
}

// Receive parses and verifies an inbound envelope and, on success,
// persists it. Any parse or signature failure aborts persistence.
func (m *Messenger) Receive(raw []byte) error {
	msg, err := wire.Decode(raw)
	if err != nil {
		return err
	}
	return m.store.SaveInbound(msg.From, msg.Time, msg.Content)
}
