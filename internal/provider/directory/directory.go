package directory

import (
	"context"
	"fmt"
	"net/url"

	"github.com/newrelic/nr-itam-sync/internal/provider"
	"github.com/newrelic/nr-itam-sync/internal/provider/rest"
	"github.com/newrelic/nr-itam-sync/pkg/interop"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

const (
	defaultUsersPath = "users"
	defaultIDField   = "objectGUID"
	loginField       = "sAMAccountName"
)

// DirectoryProvider reads user objects from a directory gateway exposing
// AD-style attributes (sAMAccountName, displayName, mail, ...) as JSON.
type DirectoryProvider struct {
	Interop   *interop.Interop
	Client    *rest.Client
	UsersPath string
	ResultKey string
	IDField   string
	Filter    map[string]string
}

func init() {
	provider.RegisterProvider("directory", New)
}

func New(i *interop.Interop, v *viper.Viper) (provider.Provider, error) {
	config, err := rest.ConfigFromViper(v)
	if err != nil {
		return nil, fmt.Errorf("directory provider: %w", err)
	}

	usersPath := v.GetString("usersPath")
	if usersPath == "" {
		usersPath = defaultUsersPath
	}

	idField := v.GetString("idField")
	if idField == "" {
		idField = defaultIDField
	}

	return &DirectoryProvider{
		Interop:   i,
		Client:    rest.NewClient(config, i.Logger),
		UsersPath: usersPath,
		ResultKey: v.GetString("resultKey"),
		IDField:   idField,
		Filter:    cast.ToStringMapString(v.Get("filter")),
	}, nil
}

func (dp *DirectoryProvider) FetchRecords(ctx context.Context) ([]provider.Record, error) {
	return dp.FetchUsers(ctx)
}

// FetchUsers returns one record per directory user. Objects without a login
// are dropped with a warning.
func (dp *DirectoryProvider) FetchUsers(ctx context.Context) ([]provider.Record, error) {
	query := url.Values{}
	for k, v := range dp.Filter {
		query.Set(k, v)
	}

	items, err := dp.Client.GetRecords(ctx, dp.UsersPath, query, dp.ResultKey)
	if err != nil {
		return nil, fmt.Errorf("get directory users failed: %w", err)
	}

	var records []provider.Record

	for _, item := range items {
		login := cast.ToString(item[loginField])
		if login == "" {
			dp.Interop.Logger.Warn("skipping directory object with no sAMAccountName")
			continue
		}

		id := cast.ToString(item[dp.IDField])
		if id == "" {
			id = login
		}

		records = append(records, provider.Record{ID: id, Fields: item})
	}

	dp.Interop.Logger.Debugf("read %d users from directory", len(records))

	return records, nil
}
