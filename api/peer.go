// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"perun.network/perun-perp-backend/channel"
	"perun.network/perun-perp-backend/session"
)

// Peer routes of a maker daemon.
const (
	PathOpenChannel  = "/maker/openChannel"
	PathRecvPay      = "/maker/recvPay"
	PathPaymentToken = "/maker/paymentToken"
)

// DefaultPeerTimeout bounds a single peer request.
const DefaultPeerTimeout = 30 * time.Second

// PeerClient talks to the maker routes of a remote daemon.
type PeerClient struct {
	base   string
	client *http.Client
}

var _ session.Peer = (*PeerClient)(nil)

// RemoteError is a failure reported by the peer. It unwraps to the sentinel
// named by its code.
type RemoteError struct {
	Status int
	ErrorResponse

	sentinel error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("peer %d (%s): %s", e.Status, e.Kind, e.ErrorResponse.Error)
}

func (e *RemoteError) Unwrap() error { return e.sentinel }

// NewPeerClient returns a client for the daemon at base, for example
// http://localhost:3031.
func NewPeerClient(base string, timeout time.Duration) *PeerClient {
	if timeout <= 0 {
		timeout = DefaultPeerTimeout
	}
	return &PeerClient{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (p *PeerClient) OpenChannel(ctx context.Context, req channel.OpenChannelRequest) (channel.OpenChannelResponse, error) {
	var resp channel.OpenChannelResponse
	return resp, p.post(ctx, PathOpenChannel, req, &resp)
}

func (p *PeerClient) Pay(ctx context.Context, req channel.PaymentRequest) (channel.PaymentResponse, error) {
	var resp channel.PaymentResponse
	return resp, p.post(ctx, PathRecvPay, req, &resp)
}

func (p *PeerClient) PaymentToken(ctx context.Context, req channel.GeneratePaymentTokenRequest) (channel.GeneratePaymentTokenResponse, error) {
	var resp channel.GeneratePaymentTokenResponse
	return resp, p.post(ctx, PathPaymentToken, req, &resp)
}

func (p *PeerClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "encoding request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RequestIDHeader, uuid.NewString())

	res, err := p.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "posting %s", path)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return errors.Wrapf(err, "reading %s", path)
	}
	if res.StatusCode != http.StatusOK {
		return remoteError(res.StatusCode, raw)
	}
	return errors.Wrapf(json.Unmarshal(raw, out), "decoding %s", path)
}

// remoteError restores the protocol error classes of the peer so that
// callers can tell counter-party failures from transport failures.
func remoteError(status int, raw []byte) error {
	re := &RemoteError{Status: status}
	if err := json.Unmarshal(raw, &re.ErrorResponse); err != nil {
		re.ErrorResponse = ErrorResponse{Error: strings.TrimSpace(string(raw)), Kind: KindInternal}
	}
	re.sentinel = channel.FromCode(re.Code)
	switch re.Kind {
	case KindMismatch:
		mm := &channel.SettlementMismatch{}
		if re.Expected != nil && re.Claimed != nil {
			mm.Expected, mm.Claimed = *re.Expected, *re.Claimed
		}
		return channel.Protocol(mm, re.Error())
	case KindProtocol:
		return channel.Protocol(re, "")
	case KindPrecondition:
		return channel.Precondition(re, "")
	default:
		return re
	}
}
