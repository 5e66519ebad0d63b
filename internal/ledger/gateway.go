package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"course-anchor/internal/httpx"
)

// Gateway is the HTTP client of the ledger gateway that submits anchor
// transactions and reports their status.
type Gateway struct {
	baseURL string
	token   string
	http    *httpx.Client
}

func NewGateway(baseURL, token string, client *httpx.Client) *Gateway {
	return &Gateway{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: client}
}

type capabilities struct {
	Anchor   bool  `json:"anchor"`
	Sequence int64 `json:"sequence"`
}

type anchorRequest struct {
	Network             string `json:"network"`
	SubjectAddress      string `json:"subjectAddress"`
	CourseID            string `json:"courseId"`
	CourseName          string `json:"courseName"`
	CompletionTimestamp int64  `json:"completionTimestamp"`
	ContentHash         string `json:"contentHash"`
	Signer              string `json:"signer"`
	Sequence            int64  `json:"sequence"`
	Signature           string `json:"signature,omitempty"`
}

type submitResponse struct {
	TxRef string `json:"txRef"`
}

// Anchor statuses reported by the gateway.
const (
	txPending   = "pending"
	txConfirmed = "confirmed"
	txRejected  = "rejected"
)

type txStatus struct {
	Status   string `json:"status"`
	RecordID string `json:"recordId"`
	// Fee is the charged fee in lumens, e.g. "0.0000100".
	Fee    string `json:"fee"`
	Reason string `json:"reason"`
}

type subjectAddress struct {
	Address string `json:"address"`
}

func (g *Gateway) capabilities(ctx context.Context, address string) (capabilities, error) {
	var out capabilities
	err := g.http.DoJSON(ctx, g.get("/v1/accounts/"+url.PathEscape(address)+"/capabilities"), &out)
	return out, err
}

func (g *Gateway) submit(ctx context.Context, idempotencyKey string, body anchorRequest) (submitResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return submitResponse{}, err
	}
	var out submitResponse
	err = g.http.DoJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/anchors", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", idempotencyKey)
		g.authorize(req)
		return req, nil
	}, &out)
	if err == nil && out.TxRef == "" {
		err = errors.New("gateway returned an empty txRef")
	}
	return out, err
}

func (g *Gateway) status(ctx context.Context, txRef string) (txStatus, error) {
	var out txStatus
	err := g.http.DoJSON(ctx, g.get("/v1/anchors/"+url.PathEscape(txRef)), &out)
	return out, err
}

// Resolve looks the subject's address up on the gateway.
func (g *Gateway) Resolve(ctx context.Context, subjectID string) (string, error) {
	var out subjectAddress
	err := g.http.DoJSON(ctx, g.get("/v1/subjects/"+url.PathEscape(subjectID)+"/address"), &out)
	if httpx.StatusCode(err) == http.StatusNotFound || (err == nil && out.Address == "") {
		return "", fmt.Errorf("%w: %s", ErrAddressNotFound, subjectID)
	}
	if err != nil {
		return "", fmt.Errorf("resolve subject %s: %w", subjectID, err)
	}
	return out.Address, nil
}

func (g *Gateway) get(path string) func(context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		g.authorize(req)
		return req, nil
	}
}

func (g *Gateway) authorize(req *http.Request) {
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
}
