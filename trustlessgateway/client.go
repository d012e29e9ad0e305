package trustlessgateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	logging "github.com/ipfs/go-log/v2"
	"github.com/ipld/go-ipld-prime"
	"github.com/storacha/banyan/block"
)

var log = logging.Logger("trustlessgateway")

// MaxBlockSize bounds the response body read for a single block.
const MaxBlockSize = 4 << 20

type TrustlessGatewayClient struct {
	endpoint string
	client   *http.Client
}

func (tf *TrustlessGatewayClient) Get(ctx context.Context, link ipld.Link) (block.Block, error) {
	c, err := block.ToCid(link)
	if err != nil {
		return nil, err
	}

	url, err := url.JoinPath(tf.endpoint, "ipfs", c.String())
	if err != nil {
		return nil, fmt.Errorf("constructing URL: %w", err)
	}

	log.Debugf("fetching block: %s", url)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", AcceptRaw)

	res, err := tf.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("fetching block: %s: %w", c, block.ErrNotFound)
	case res.StatusCode == StatusCorrupt:
		return nil, fmt.Errorf("fetching block: %s: %w", c, block.ErrCorrupt)
	case res.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetching block: %s: unexpected status: %s", c, res.Status)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, MaxBlockSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if len(body) > MaxBlockSize {
		return nil, fmt.Errorf("fetching block: %s: exceeds maximum block size", c)
	}

	if err := block.Verify(c, body); err != nil {
		return nil, err
	}

	return block.New(link, body), nil
}

func NewClient(endpoint string, client *http.Client) *TrustlessGatewayClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &TrustlessGatewayClient{endpoint, client}
}
