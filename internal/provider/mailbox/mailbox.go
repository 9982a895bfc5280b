package mailbox

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/newrelic/nr-itam-sync/internal/provider"
	"github.com/newrelic/nr-itam-sync/internal/provider/rest"
	"github.com/newrelic/nr-itam-sync/pkg/interop"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

const (
	defaultAccountsPath = "accounts"
	defaultResultKey    = "data"
)

// MailboxProvider reads mailbox usage from a hosting control panel, one
// domain at a time.
type MailboxProvider struct {
	Interop      *interop.Interop
	Client       *rest.Client
	AccountsPath string
	ResultKey    string
	Domains      []string
}

func init() {
	provider.RegisterProvider("mailbox", New)
}

func New(i *interop.Interop, v *viper.Viper) (provider.Provider, error) {
	config, err := rest.ConfigFromViper(v)
	if err != nil {
		return nil, fmt.Errorf("mailbox provider: %w", err)
	}

	domains := v.GetStringSlice("domains")
	if len(domains) == 0 {
		return nil, fmt.Errorf("mailbox provider: missing domains")
	}

	accountsPath := v.GetString("accountsPath")
	if accountsPath == "" {
		accountsPath = defaultAccountsPath
	}

	resultKey := v.GetString("resultKey")
	if resultKey == "" {
		resultKey = defaultResultKey
	}

	return &MailboxProvider{
		Interop:      i,
		Client:       rest.NewClient(config, i.Logger),
		AccountsPath: accountsPath,
		ResultKey:    resultKey,
		Domains:      domains,
	}, nil
}

// FetchRecords fetches every configured domain. A failing domain fails the
// whole fetch so a partial roster is never reconciled.
func (mp *MailboxProvider) FetchRecords(ctx context.Context) ([]provider.Record, error) {
	var records []provider.Record

	for _, domain := range mp.Domains {
		accounts, err := mp.FetchAccounts(ctx, domain)
		if err != nil {
			return nil, err
		}
		records = append(records, accounts...)
	}

	return records, nil
}

func (mp *MailboxProvider) FetchAccounts(ctx context.Context, domain string) ([]provider.Record, error) {
	items, err := mp.Client.GetRecords(
		ctx,
		mp.AccountsPath,
		url.Values{"domain": {domain}},
		mp.ResultKey,
	)
	if err != nil {
		return nil, fmt.Errorf("get mailboxes for %s failed: %w", domain, err)
	}

	var records []provider.Record

	for _, item := range items {
		email := strings.ToLower(cast.ToString(item["email"]))
		if email == "" {
			user := cast.ToString(item["user"])
			if user == "" {
				mp.Interop.Logger.Warnf("skipping mailbox with no address in %s", domain)
				continue
			}
			email = strings.ToLower(user + "@" + domain)
			item["email"] = email
		}

		if _, ok := item["domain"]; !ok {
			item["domain"] = domain
		}

		records = append(records, provider.Record{ID: email, Fields: item})
	}

	mp.Interop.Logger.Debugf("read %d mailboxes for %s", len(records), domain)

	return records, nil
}
