// fingerprint looks up recordings by a digest of their audio content from a remote
// service. Every failure is reported as [metadata.ErrUnavailable] so that callers carry
// on with what they have.
package fingerprint

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zenone/crate-sub001/clientutil"
	"github.com/zenone/crate-sub001/metadata"
)

type Client struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	RateLimit time.Duration
	CacheTTL  time.Duration

	initOnce   sync.Once
	HTTPClient *http.Client
}

var _ metadata.Fingerprinter = (*Client)(nil)

type response struct {
	Results []struct {
		Score     float64 `json:"score"`
		Recording struct {
			Artist string  `json:"artist"`
			Title  string  `json:"title"`
			BPM    float64 `json:"bpm"`
			Key    string  `json:"key"`
		} `json:"recording"`
	} `json:"results"`
}

// StatusError is a non 2xx response from the service.
type StatusError int

func (se StatusError) Error() string {
	return fmt.Sprintf("http %d %s", int(se), http.StatusText(int(se)))
}

// Lookup returns the best scoring result for the file at path.
func (c *Client) Lookup(ctx context.Context, path string) (metadata.Fingerprint, error) {
	if c.BaseURL == "" {
		return metadata.Fingerprint{}, fmt.Errorf("%w: no base url", metadata.ErrUnavailable)
	}
	c.initOnce.Do(func() {
		c.HTTPClient = clientutil.Wrap(c.HTTPClient, clientutil.Chain(
			clientutil.WithCache(c.CacheTTL),
			clientutil.WithUserAgent(c.UserAgent),
			clientutil.WithHeader("X-Api-Key", c.APIKey),
			clientutil.WithRateLimit(c.RateLimit),
			clientutil.WithLogging(nil),
		))
	})

	digest, err := Digest(path)
	if err != nil {
		return metadata.Fingerprint{}, fmt.Errorf("%w: digest: %w", metadata.ErrUnavailable, err)
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return metadata.Fingerprint{}, fmt.Errorf("%w: parse base url: %w", metadata.ErrUnavailable, err)
	}
	u = u.JoinPath("lookup", digest)

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return metadata.Fingerprint{}, fmt.Errorf("%w: request: %w", metadata.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return metadata.Fingerprint{}, fmt.Errorf("%w: service returned non 2xx: %w", metadata.ErrUnavailable, StatusError(resp.StatusCode))
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return metadata.Fingerprint{}, fmt.Errorf("%w: decode response: %w", metadata.ErrUnavailable, err)
	}
	if len(r.Results) == 0 {
		return metadata.Fingerprint{}, fmt.Errorf("%w: no results", metadata.ErrUnavailable)
	}

	best := r.Results[0]
	for _, res := range r.Results[1:] {
		if res.Score > best.Score {
			best = res
		}
	}

	var fp metadata.Fingerprint
	fp.Artist = strings.TrimSpace(best.Recording.Artist)
	fp.Title = strings.TrimSpace(best.Recording.Title)
	fp.Key = strings.TrimSpace(best.Recording.Key)
	if best.Recording.BPM > 0 {
		fp.BPM = strconv.FormatFloat(best.Recording.BPM, 'f', -1, 64)
	}
	fp.Confidence = min(max(best.Score, 0), 1)
	return fp, nil
}

// Digest is the hex SHA-1 of the file's contents.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
