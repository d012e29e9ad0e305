package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	logging "github.com/ipfs/go-log/v2"
	"github.com/storacha/go-ucanto/did"
	"github.com/storacha/go-ucanto/principal"
)

var log = logging.Logger("remote")

const (
	AgentHeader     = "X-Agent"
	SignatureHeader = "X-Signature"
	ContentTypeJSON = "application/json"
	ContentTypeCAR  = "application/vnd.ipld.car; version=2"
)

// StatusError is returned for a non 2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Client talks to the metadata API at endpoint, signing requests as agent.
type Client struct {
	endpoint string
	client   *http.Client
	agent    principal.Signer
	backoff  func() backoff.BackOff
}

var _ Remote = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.client = c
	}
}

// WithBackOff sets the retry policy for failed requests. The function is
// called once per request.
func WithBackOff(b func() backoff.BackOff) Option {
	return func(cl *Client) {
		cl.backoff = b
	}
}

func NewClient(endpoint string, agent principal.Signer, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		client:   http.DefaultClient,
		agent:    agent,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 2 * time.Minute
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) PushMetadata(ctx context.Context, drive did.DID, req MetadataPush) (MetadataPushResult, error) {
	body, err := marshalMetadataPush(req)
	if err != nil {
		return MetadataPushResult{}, fmt.Errorf("encoding metadata push: %w", err)
	}
	u, err := url.JoinPath(c.endpoint, "api", "v1", "drives", drive.String(), "metadata")
	if err != nil {
		return MetadataPushResult{}, fmt.Errorf("constructing URL: %w", err)
	}
	sig := base64.StdEncoding.EncodeToString(c.agent.Sign(body).Bytes())

	var res MetadataPushResult
	err = c.do(ctx, func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", ContentTypeJSON)
		r.Header.Set(AgentHeader, c.agent.DID().String())
		r.Header.Set(SignatureHeader, sig)
		return r, nil
	}, func(b []byte) error {
		res, err = unmarshalMetadataPushResult(b)
		return err
	})
	if err != nil {
		return MetadataPushResult{}, fmt.Errorf("pushing metadata: %w", err)
	}
	log.Infof("pushed metadata %s for drive %s", req.Metadata, drive)
	return res, nil
}

func (c *Client) UploadBlocks(ctx context.Context, host string, authorization string, car []byte) error {
	u, err := url.JoinPath(host, "api", "v1", "upload")
	if err != nil {
		return fmt.Errorf("constructing URL: %w", err)
	}
	err = c.do(ctx, func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(car))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", ContentTypeCAR)
		r.Header.Set("Authorization", "Bearer "+authorization)
		return r, nil
	}, nil)
	if err != nil {
		return fmt.Errorf("uploading blocks: %w", err)
	}
	return nil
}

// do sends the request built by newReq until it succeeds, fails with a client
// error or the retry policy gives up.
func (c *Client) do(ctx context.Context, newReq func() (*http.Request, error), handle func([]byte) error) error {
	return backoff.Retry(func() error {
		req, err := newReq()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("creating request: %w", err))
		}
		res, err := c.client.Do(req)
		if err != nil {
			log.Warnf("sending request: %s: %s", req.URL, err)
			return fmt.Errorf("sending request: %w", err)
		}
		defer res.Body.Close()

		body, err := io.ReadAll(res.Body)
		if err != nil {
			return fmt.Errorf("reading body: %w", err)
		}
		if res.StatusCode < 200 || res.StatusCode > 299 {
			serr := &StatusError{res.StatusCode, string(body)}
			if res.StatusCode >= 400 && res.StatusCode < 500 {
				return backoff.Permanent(serr)
			}
			log.Warnf("request failed: %s: %s", req.URL, serr)
			return serr
		}
		if handle == nil {
			return nil
		}
		if err := handle(body); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding response: %w", err))
		}
		return nil
	}, backoff.WithContext(c.backoff(), ctx))
}
