package bucketconfig

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/enesacikoglu/analytics-dcp-client/dcperr"
)

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	// HTTPHost is the management-service base URL, e.g. http://localhost:8091.
	HTTPHost string
	Username string
	Password string

	Client *http.Client
	Logger *zap.Logger
}

// Fetcher issues authenticated GET requests against a cluster's management
// API for bucket configuration.
type Fetcher struct {
	host     string
	username string
	password string
	client   *http.Client
	logger   *zap.Logger
}

// NewFetcher constructs a Fetcher from opts.
func NewFetcher(opts FetcherOptions) *Fetcher {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Fetcher{
		host:     opts.HTTPHost,
		username: opts.Username,
		password: opts.Password,
		client:   client,
		logger:   logger,
	}
}

func (f *Fetcher) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.host+path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "bucketconfig: building config request")
	}
	req.SetBasicAuth(f.username, f.password)
	return req, nil
}

// FetchTerseBucket fetches /pools/default/b/<bucket> once and parses the
// result into a Config.
func (f *Fetcher) FetchTerseBucket(ctx context.Context, bucketName string) (*Config, error) {
	req, err := f.newRequest(ctx, "/pools/default/b/"+bucketName)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "bucketconfig: fetching terse bucket config")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, dcperr.Wrapf(dcperr.BucketNotFound, "bucket %q", bucketName)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("bucketconfig: unexpected status %d fetching terse bucket config", resp.StatusCode)
	}

	var raw terseConfigJSON
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "bucketconfig: decoding terse bucket config")
	}

	return parseTerseConfig(&raw, bucketName)
}

// configStreamSplitter is a bufio.SplitFunc recognizing Couchbase's
// streaming config separator, four consecutive newlines.
func configStreamSplitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	const sep = "\n\n\n\n"

	if i := strings.Index(string(data), sep); i >= 0 {
		return i + len(sep), data[:i], nil
	}

	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}

	return 0, nil, nil
}

// StreamTerseBucket opens a long-lived GET against
// /pools/default/bucketsStreaming/<bucket> and delivers one Config per
// chunk the server pushes, until ctx is done or the connection drops.
// StreamTerseBucket itself makes no retry decisions; HTTPProvider.watchLoop
// switches to polling once the stream ends.
func (f *Fetcher) StreamTerseBucket(ctx context.Context, bucketName string) (<-chan *Config, error) {
	req, err := f.newRequest(ctx, "/pools/default/bucketsStreaming/"+bucketName)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "bucketconfig: opening bucket config stream")
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.Errorf("bucketconfig: unexpected status %d opening bucket config stream", resp.StatusCode)
	}

	out := make(chan *Config)

	go func() {
		defer resp.Body.Close()
		defer close(out)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		scanner.Split(configStreamSplitter)

		for scanner.Scan() {
			chunk := scanner.Bytes()
			if len(strings.TrimSpace(string(chunk))) == 0 {
				continue
			}

			var raw terseConfigJSON
			if err := json.Unmarshal(chunk, &raw); err != nil {
				f.logger.Warn("discarding malformed bucket config chunk", zap.Error(err))
				continue
			}

			cfg, err := parseTerseConfig(&raw, bucketName)
			if err != nil {
				f.logger.Warn("discarding unparseable bucket config chunk", zap.Error(err))
				continue
			}

			select {
			case out <- cfg:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
