package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

var (
	linkRE *regexp.Regexp
)

func init() {
	linkRE = regexp.MustCompile(`<([^>]+)>\s*;\s*rel\s*=\s*"([^"]+)"`)
}

type HTTPError struct {
	StatusCode int
	Status     string
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fetch results from %s failed: %s", e.URL, e.Status)
}

// Client fetches paginated JSON collections from an external system.
type Client struct {
	config *Config
	logger *log.Logger
}

func NewClient(config *Config, logger *log.Logger) *Client {
	return &Client{config: config, logger: logger}
}

func (c *Client) Config() *Config {
	return c.config
}

// GetRecords reads every page of the collection at path. The body may be a
// JSON array or an object holding the array under resultKey. The next page
// comes from a Link header with rel="next" or a "next" field in the body.
func (c *Client) GetRecords(
	ctx context.Context,
	path string,
	query url.Values,
	resultKey string,
) (
	[]map[string]interface{},
	error,
) {
	var results []map[string]interface{}

	client, err := c.createHttpClient(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	if q.Get("limit") == "" {
		q.Set("limit", strconv.Itoa(c.config.PageSize))
	}

	next := fmt.Sprintf("%s/%s?%s", c.config.ApiURL, strings.TrimLeft(path, "/"), q.Encode())

	for next != "" {
		page, nextUrl, err := c.getPaginatedResults(ctx, client, next, resultKey)
		if err != nil {
			return nil, err
		}

		results = append(results, page...)
		next = nextUrl
	}

	return results, nil
}

func (c *Client) getPaginatedResults(
	ctx context.Context,
	client *http.Client,
	pageUrl string,
	resultKey string,
) ([]map[string]interface{}, string, error) {
	c.logger.Debugf("making request using URL %s...", pageUrl)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageUrl, nil)
	if err != nil {
		return nil, "", err
	}

	switch c.config.AuthType {
	case AUTH_TYPE_BASIC:
		req.SetBasicAuth(c.config.ApiUser, c.config.ApiPassword)
	case AUTH_TYPE_TOKEN:
		req.Header.Set(c.config.TokenHeader, c.config.ApiToken)
	}

	req.Header.Add("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			URL:        pageUrl,
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}

	c.logger.Tracef("read %d bytes, unmarshaling JSON...", len(body))

	var decoded interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, "", err
	}

	items, nextUrl, err := splitPage(decoded, resultKey)
	if err != nil {
		return nil, "", err
	}

	linkHeader := resp.Header.Get("Link")
	if linkHeader != "" {
		all := linkRE.FindAllStringSubmatch(linkHeader, -1)
		for _, tag := range all {
			if tag[2] == "next" {
				nextUrl = tag[1]
			}
		}
	}

	if nextUrl != "" && !strings.HasPrefix(nextUrl, "http") {
		nextUrl = c.config.ApiURL + "/" + strings.TrimLeft(nextUrl, "/")
	}

	return items, nextUrl, nil
}

func splitPage(
	decoded interface{},
	resultKey string,
) ([]map[string]interface{}, string, error) {
	var raw []interface{}
	nextUrl := ""

	switch body := decoded.(type) {
	case []interface{}:
		raw = body

	case map[string]interface{}:
		v, ok := body[resultKey]
		if !ok {
			return nil, "", fmt.Errorf("missing %q in response", resultKey)
		}
		list, ok := v.([]interface{})
		if !ok {
			return nil, "", fmt.Errorf("%q in response is not a list", resultKey)
		}
		raw = list
		nextUrl = cast.ToString(body["next"])

	default:
		return nil, "", fmt.Errorf("unexpected response shape")
	}

	items := make([]map[string]interface{}, 0, len(raw))
	for _, r := range raw {
		item, err := cast.ToStringMapE(r)
		if err != nil {
			return nil, "", fmt.Errorf("unexpected item in response: %v", err)
		}
		items = append(items, item)
	}

	return items, nextUrl, nil
}

func (c *Client) createHttpClient(ctx context.Context) (*http.Client, error) {
	if c.config.AuthType != AUTH_TYPE_OAUTH {
		return &http.Client{Timeout: c.config.Timeout}, nil
	}

	ctx = context.WithValue(
		ctx,
		oauth2.HTTPClient,
		&http.Client{Timeout: c.config.Timeout},
	)

	if c.config.OAuthGrantType == OAUTH_GRANT_TYPE_PASSWORD {
		oauthConfig := &oauth2.Config{
			ClientID:     c.config.OAuthClientID,
			ClientSecret: c.config.OAuthClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  c.config.OAuthTokenURL,
				AuthStyle: oauth2.AuthStyleAutoDetect,
			},
			Scopes: c.config.OAuthScopes,
		}

		token, err := oauthConfig.PasswordCredentialsToken(
			ctx,
			c.config.ApiUser,
			c.config.ApiPassword,
		)
		if err != nil {
			return nil, err
		}

		client := oauthConfig.Client(ctx, token)
		client.Timeout = c.config.Timeout
		return client, nil
	}

	oauthConfig := &clientcredentials.Config{
		ClientID:     c.config.OAuthClientID,
		ClientSecret: c.config.OAuthClientSecret,
		TokenURL:     c.config.OAuthTokenURL,
		Scopes:       c.config.OAuthScopes,
	}

	client := oauthConfig.Client(ctx)
	client.Timeout = c.config.Timeout
	return client, nil
}
