package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ccoin/privutxo/internal/protocol"
	"github.com/ccoin/privutxo/internal/zkp"
	"github.com/ccoin/privutxo/pkg/types"
)

const maxResponseSize = 8 << 20

// Client talks to a remote verifier's HTTP API. Transport failures and 5xx responses
// without a recognised kind are reported as types.ErrVerifierUnavailable, so the
// wallet treats them as ambiguous.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient creates a client for endpoint, e.g. http://127.0.0.1:8645
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: timeout},
	}
}

// NewClientWithHTTP uses a caller-supplied http.Client
func NewClientWithHTTP(endpoint string, hc *http.Client) *Client {
	return &Client{endpoint: strings.TrimRight(endpoint, "/"), http: hc}
}

// SubmitDeposit implements ledger.Verifier
func (c *Client) SubmitDeposit(ctx context.Context, b *protocol.DepositBundle) (*protocol.Receipt, error) {
	return c.submit(ctx, RouteDeposit, b)
}

// SubmitSplit implements ledger.Verifier
func (c *Client) SubmitSplit(ctx context.Context, b *protocol.SplitBundle) (*protocol.Receipt, error) {
	return c.submit(ctx, RouteSplit, b)
}

// SubmitTransfer implements ledger.Verifier
func (c *Client) SubmitTransfer(ctx context.Context, b *protocol.TransferBundle) (*protocol.Receipt, error) {
	return c.submit(ctx, RouteTransfer, b)
}

// SubmitWithdraw implements ledger.Verifier
func (c *Client) SubmitWithdraw(ctx context.Context, b *protocol.WithdrawBundle) (*protocol.Receipt, error) {
	return c.submit(ctx, RouteWithdraw, b)
}

// IsNullifierUsed implements ledger.Verifier
func (c *Client) IsNullifierUsed(ctx context.Context, n types.Nullifier) (bool, error) {
	var resp UsedResponse
	if err := c.get(ctx, "/v1/nullifiers/"+n.String(), &resp); err != nil {
		return false, err
	}
	return resp.Used, nil
}

// GetCommitmentExists implements ledger.Verifier
func (c *Client) GetCommitmentExists(ctx context.Context, commitment types.Commitment) (bool, error) {
	var resp ExistsResponse
	if err := c.get(ctx, "/v1/commitments/"+commitment.String(), &resp); err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// Path fetches the inclusion path of a commitment
func (c *Client) Path(ctx context.Context, commitment types.Commitment) (*zkp.MerklePath, error) {
	var path zkp.MerklePath
	if err := c.get(ctx, "/v1/commitments/"+commitment.String()+"/path", &path); err != nil {
		return nil, err
	}
	return &path, nil
}

// PoolBalance fetches the pool balance of token
func (c *Client) PoolBalance(ctx context.Context, token types.Address) (*big.Int, error) {
	var resp PoolResponse
	if err := c.get(ctx, "/v1/pool/"+token.Hex(), &resp); err != nil {
		return nil, err
	}
	bal, ok := new(big.Int).SetString(resp.Balance, 10)
	if !ok {
		return nil, fmt.Errorf("%w: malformed pool balance %q", types.ErrVerifierUnavailable, resp.Balance)
	}
	return bal, nil
}

// Status fetches the verifier's sequence and root
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.get(ctx, RouteStatus, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Receipt fetches an earlier receipt
func (c *Client) Receipt(ctx context.Context, id string) (*protocol.Receipt, error) {
	var r protocol.Receipt
	if err := c.get(ctx, "/v1/receipts/"+url.PathEscape(id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) submit(ctx context.Context, path string, bundle interface{}) (*protocol.Receipt, error) {
	var r protocol.Receipt
	if err := c.post(ctx, path, bundle, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", types.ErrVerifierUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", types.ErrVerifierUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: malformed response: %v", types.ErrVerifierUnavailable, err)
	}
	return nil
}

// decodeError restores the sentinel error named by the response's kind
func decodeError(status int, body []byte) error {
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil {
		if sentinel := types.ErrorForKind(er.Kind); sentinel != nil {
			return fmt.Errorf("%w: %s", sentinel, strings.TrimPrefix(er.Error, sentinel.Error()+": "))
		}
		if er.Error != "" {
			return errors.New(er.Error)
		}
	}
	if status >= 500 {
		return fmt.Errorf("%w: status %d", types.ErrVerifierUnavailable, status)
	}
	return fmt.Errorf("verifier returned status %d", status)
}
