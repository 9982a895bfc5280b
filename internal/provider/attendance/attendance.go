package attendance

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/newrelic/nr-itam-sync/internal/provider"
	"github.com/newrelic/nr-itam-sync/internal/provider/rest"
	"github.com/newrelic/nr-itam-sync/pkg/interop"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

const (
	defaultLookback = 48 * time.Hour
	DeviceField     = "device_id"
	UserIDField     = "user_id"
	TimestampField  = "timestamp"
)

// Client talks to the HTTP bridge in front of the biometric devices. The
// bridge exposes the enrolled users and the punch log of each device.
type Client struct {
	Interop  *interop.Interop
	Rest     *rest.Client
	Devices  []string
	Lookback time.Duration
	now      func() time.Time
}

type rosterProvider struct{ *Client }
type eventProvider struct{ *Client }

func init() {
	provider.RegisterProvider("attendance_roster", func(i *interop.Interop, v *viper.Viper) (provider.Provider, error) {
		c, err := NewClient(i, v)
		if err != nil {
			return nil, err
		}
		return rosterProvider{c}, nil
	})
	provider.RegisterProvider("attendance_events", func(i *interop.Interop, v *viper.Viper) (provider.Provider, error) {
		c, err := NewClient(i, v)
		if err != nil {
			return nil, err
		}
		return eventProvider{c}, nil
	})
}

func NewClient(i *interop.Interop, v *viper.Viper) (*Client, error) {
	config, err := rest.ConfigFromViper(v)
	if err != nil {
		return nil, fmt.Errorf("attendance provider: %w", err)
	}

	devices := v.GetStringSlice("devices")
	if len(devices) == 0 {
		return nil, fmt.Errorf("attendance provider: missing devices")
	}

	lookback := v.GetDuration("lookback")
	if lookback <= 0 {
		lookback = defaultLookback
	}

	return &Client{
		Interop:  i,
		Rest:     rest.NewClient(config, i.Logger),
		Devices:  devices,
		Lookback: lookback,
		now:      time.Now,
	}, nil
}

func (p rosterProvider) FetchRecords(ctx context.Context) ([]provider.Record, error) {
	return p.FetchEnrollees(ctx)
}

func (p eventProvider) FetchRecords(ctx context.Context) ([]provider.Record, error) {
	return p.FetchEvents(ctx)
}

// FetchEnrollees returns the users enrolled on every device, tagged with the
// device they came from.
func (c *Client) FetchEnrollees(ctx context.Context) ([]provider.Record, error) {
	var records []provider.Record

	for _, device := range c.Devices {
		items, err := c.Rest.GetRecords(
			ctx,
			fmt.Sprintf("devices/%s/users", url.PathEscape(device)),
			nil,
			"users",
		)
		if err != nil {
			return nil, fmt.Errorf("get enrollees from device %s failed: %w", device, err)
		}

		for _, item := range items {
			userId := cast.ToString(item[UserIDField])
			if userId == "" {
				c.Interop.Logger.Warnf("skipping enrollee with no user id on device %s", device)
				continue
			}
			item[DeviceField] = device
			records = append(records, provider.Record{
				ID:     device + ":" + userId,
				Fields: item,
			})
		}
	}

	return records, nil
}

// FetchEvents returns the punches of the last Lookback window. Overlapping
// windows are harmless since punches are keyed by device, user and time.
func (c *Client) FetchEvents(ctx context.Context) ([]provider.Record, error) {
	since := c.now().Add(-c.Lookback).UTC().Format(time.RFC3339)

	var records []provider.Record

	for _, device := range c.Devices {
		items, err := c.Rest.GetRecords(
			ctx,
			fmt.Sprintf("devices/%s/attendance", url.PathEscape(device)),
			url.Values{"since": {since}},
			"events",
		)
		if err != nil {
			return nil, fmt.Errorf("get events from device %s failed: %w", device, err)
		}

		for _, item := range items {
			item[DeviceField] = device
			records = append(records, provider.Record{
				ID:     fmt.Sprintf("%s:%v:%v", device, item[UserIDField], item[TimestampField]),
				Fields: item,
			})
		}
	}

	return records, nil
}
