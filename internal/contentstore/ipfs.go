package contentstore

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"course-anchor/internal/domain"
	"course-anchor/internal/httpx"
)

// IPFS publishes through a kubo-compatible RPC API (/api/v0).
type IPFS struct {
	baseURL string
	token   string
	http    *httpx.Client
	log     *zap.Logger
}

func NewIPFS(baseURL, token string, client *httpx.Client, log *zap.Logger) *IPFS {
	if log == nil {
		log = zap.NewNop()
	}
	return &IPFS{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    client,
		log:     log.Named("ipfs"),
	}
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// Publish adds the package bytes as a single raw block and checks the node
// returned the locally computed CID.
func (p *IPFS) Publish(ctx context.Context, pkg domain.MetadataPackage) (domain.ContentHash, error) {
	want, err := ComputeHash(pkg.Bytes)
	if err != nil {
		return "", publishErr(pkg.SourceID, err)
	}

	q := url.Values{}
	q.Set("cid-version", "1")
	q.Set("raw-leaves", "true")
	q.Set("pin", "true")
	endpoint := p.baseURL + "/api/v0/add?" + q.Encode()

	var out addResponse
	err = p.http.DoJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		// the body is rebuilt for every attempt
		body := &bytes.Buffer{}
		mw := multipart.NewWriter(body)
		part, err := mw.CreateFormFile("file", pkg.SourceID+".json")
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(pkg.Bytes); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		p.authorize(req)
		return req, nil
	}, &out)
	if err != nil {
		return "", publishErr(pkg.SourceID, fmt.Errorf("ipfs add: %w", err))
	}

	if !sameCID(out.Hash, want.String()) {
		return "", publishErr(pkg.SourceID, fmt.Errorf("ipfs add: node returned cid %q, expected %s", out.Hash, want))
	}

	p.log.Debug("published", zap.String("source_id", pkg.SourceID), zap.String("cid", want.String()))
	return want, nil
}

type versionResponse struct {
	Version string `json:"Version"`
}

func (p *IPFS) Authenticate(ctx context.Context) error {
	var out versionResponse
	err := p.http.DoJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/v0/version", nil)
		if err != nil {
			return nil, err
		}
		p.authorize(req)
		return req, nil
	}, &out)
	if err != nil {
		switch httpx.StatusCode(err) {
		case http.StatusUnauthorized, http.StatusForbidden:
			return domain.NewStageError(domain.ErrPermissionDenied, domain.StagePending, "", fmt.Errorf("ipfs: %w", err))
		}
		return fmt.Errorf("ipfs: version: %w", err)
	}
	p.log.Info("content store reachable", zap.String("backend", "ipfs"), zap.String("version", out.Version))
	return nil
}

func (p *IPFS) authorize(req *http.Request) {
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
}
