package rest

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AuthType string
type OAuthGrantType string

const (
	AUTH_TYPE_BASIC                     AuthType       = "basic"
	AUTH_TYPE_TOKEN                     AuthType       = "token"
	AUTH_TYPE_OAUTH                     AuthType       = "oauth"
	OAUTH_GRANT_TYPE_PASSWORD           OAuthGrantType = "password"
	OAUTH_GRANT_TYPE_CLIENT_CREDENTIALS OAuthGrantType = "client_credentials"
)

const (
	defaultPageSize = 500
	defaultTimeout  = 15 * time.Second
)

// Config is the connection configuration shared by the HTTP based providers.
type Config struct {
	ApiURL            string
	ApiUser           string
	ApiPassword       string
	ApiToken          string
	TokenHeader       string
	AuthType          AuthType
	OAuthTokenURL     string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthGrantType    OAuthGrantType
	OAuthScopes       []string
	PageSize          int
	Timeout           time.Duration
}

// ConfigFromViper reads a provider sub-config. Missing credentials are
// configuration errors: the job using the provider is never armed.
func ConfigFromViper(v *viper.Viper) (*Config, error) {
	apiUrl := strings.TrimRight(v.GetString("apiUrl"), "/")
	if apiUrl == "" {
		return nil, fmt.Errorf("missing api url")
	}

	pageSize := v.GetInt("pageSize")
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	timeout := v.GetDuration("timeout")
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Config{
		ApiURL:   apiUrl,
		PageSize: pageSize,
		Timeout:  timeout,
	}

	s := strings.ToLower(v.GetString("authType"))
	switch s {
	case "", string(AUTH_TYPE_BASIC):
		c.AuthType = AUTH_TYPE_BASIC
		if err := requireUsernamePassword(v, c); err != nil {
			return nil, err
		}

	case string(AUTH_TYPE_TOKEN):
		c.AuthType = AUTH_TYPE_TOKEN
		c.ApiToken = v.GetString("apiToken")
		if c.ApiToken == "" {
			return nil, fmt.Errorf("missing api token")
		}
		c.TokenHeader = v.GetString("tokenHeader")
		if c.TokenHeader == "" {
			c.TokenHeader = "Authorization"
		}

	case string(AUTH_TYPE_OAUTH):
		c.AuthType = AUTH_TYPE_OAUTH
		if err := readOAuthConfig(v, c); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("invalid authentication type: %s", s)
	}

	return c, nil
}

func readOAuthConfig(v *viper.Viper, c *Config) error {
	s := strings.ToLower(v.GetString("oauthGrantType"))
	switch s {
	case "", string(OAUTH_GRANT_TYPE_CLIENT_CREDENTIALS):
		c.OAuthGrantType = OAUTH_GRANT_TYPE_CLIENT_CREDENTIALS
	case string(OAUTH_GRANT_TYPE_PASSWORD):
		c.OAuthGrantType = OAUTH_GRANT_TYPE_PASSWORD
	default:
		return fmt.Errorf("invalid oauth grant type: %s", s)
	}

	c.OAuthTokenURL = v.GetString("oauthTokenUrl")
	if c.OAuthTokenURL == "" {
		c.OAuthTokenURL = c.ApiURL + "/oauth/token"
	}

	c.OAuthClientID = v.GetString("oauthClientId")
	if c.OAuthClientID == "" {
		return fmt.Errorf("missing oauth client ID")
	}

	c.OAuthClientSecret = v.GetString("oauthClientSecret")
	if c.OAuthClientSecret == "" {
		return fmt.Errorf("missing oauth client secret")
	}

	c.OAuthScopes = v.GetStringSlice("oauthClientScopes")

	if c.OAuthGrantType == OAUTH_GRANT_TYPE_PASSWORD {
		return requireUsernamePassword(v, c)
	}

	return nil
}

func requireUsernamePassword(v *viper.Viper, c *Config) error {
	apiUser := v.GetString("apiUser")
	if apiUser == "" {
		return fmt.Errorf("missing api user")
	}

	apiPassword := v.GetString("apiPassword")
	if apiPassword == "" {
		return fmt.Errorf("missing api password")
	}

	c.ApiUser = apiUser
	c.ApiPassword = apiPassword

	return nil
}
