package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/newrelic/nr-itam-sync/internal/match"
	"github.com/newrelic/nr-itam-sync/internal/provider"
	"github.com/newrelic/nr-itam-sync/internal/store"
)

const (
	KindDirectoryUser   = "directory_user"
	KindMailbox         = "mailbox"
	KindDeviceUser      = "device_user"
	KindAttendanceEvent = "attendance_event"
)

// userAccountControl flag set on disabled directory accounts
const uacAccountDisable = 0x2

func init() {
	registerMapper(KindDirectoryUser, func() Mapper { return directoryUserMapper{} })
	registerMapper(KindMailbox, func() Mapper { return mailboxMapper{} })
	registerMapper(KindDeviceUser, func() Mapper { return deviceUserMapper{} })
	registerMapper(KindAttendanceEvent, func() Mapper { return attendanceEventMapper{} })
}

type directoryUserMapper struct{}

func (directoryUserMapper) Kind() string { return KindDirectoryUser }

func (directoryUserMapper) NaturalKey(r provider.Record) (string, error) {
	login := strings.ToLower(getString(r.Fields, "sAMAccountName"))
	if login == "" {
		return "", fmt.Errorf("missing sAMAccountName")
	}
	return login, nil
}

func (directoryUserMapper) Candidate(r provider.Record) match.Candidate {
	tokens := match.Tokens(getString(r.Fields, "sAMAccountName"))
	tokens = append(tokens, match.Tokens(displayName(r.Fields))...)

	return match.Candidate{
		Email:  strings.ToLower(getFirstString(r.Fields, "mail", "userPrincipalName")),
		Tokens: tokens,
	}
}

func (directoryUserMapper) Fields(r provider.Record) (map[string]interface{}, error) {
	fields := map[string]interface{}{
		"display_name": displayName(r.Fields),
		"email":        strings.ToLower(getString(r.Fields, "mail")),
		"department":   getString(r.Fields, "department"),
		"title":        getString(r.Fields, "title"),
		"enabled":      directoryEnabled(r.Fields),
	}

	if t, ok := getTime(r.Fields, "lastLogonTimestamp"); ok {
		fields["last_logon"] = t
	}

	return fields, nil
}

func displayName(m map[string]interface{}) string {
	if name := getString(m, "displayName"); name != "" {
		return name
	}
	return strings.TrimSpace(getString(m, "givenName") + " " + getString(m, "sn"))
}

func directoryEnabled(m map[string]interface{}) bool {
	if enabled, ok := getBool(m, "enabled"); ok {
		return enabled
	}
	if uac, ok := getInt64(m, "userAccountControl"); ok {
		return uac&uacAccountDisable == 0
	}
	return true
}

type mailboxMapper struct{}

func (mailboxMapper) Kind() string { return KindMailbox }

func (mailboxMapper) NaturalKey(r provider.Record) (string, error) {
	email := strings.ToLower(getString(r.Fields, "email"))
	if email == "" {
		return "", fmt.Errorf("missing email")
	}
	return email, nil
}

func (mailboxMapper) Candidate(r provider.Record) match.Candidate {
	email := strings.ToLower(getString(r.Fields, "email"))
	local, _, _ := strings.Cut(email, "@")

	return match.Candidate{
		Email:  email,
		Tokens: match.Tokens(local),
	}
}

func (mailboxMapper) Fields(r provider.Record) (map[string]interface{}, error) {
	quota, _ := getInt64(r.Fields, "quota_bytes")
	used, ok := getInt64(r.Fields, "used_bytes")
	if !ok {
		// cPanel style panels report usage in MB
		if mb, ok := getInt64(r.Fields, "diskused"); ok {
			used = mb * 1024 * 1024
		}
		if mb, ok := getInt64(r.Fields, "diskquota"); ok && quota == 0 {
			quota = mb * 1024 * 1024
		}
	}

	suspended, _ := getBool(r.Fields, "suspended")

	return map[string]interface{}{
		"domain":      getString(r.Fields, "domain"),
		"quota_bytes": quota,
		"used_bytes":  used,
		"suspended":   suspended,
	}, nil
}

type deviceUserMapper struct{}

func (deviceUserMapper) Kind() string { return KindDeviceUser }

func (deviceUserMapper) NaturalKey(r provider.Record) (string, error) {
	device := getString(r.Fields, "device_id")
	user := getString(r.Fields, "user_id")
	if device == "" || user == "" {
		return "", fmt.Errorf("missing device_id or user_id")
	}
	return device + ":" + user, nil
}

func (deviceUserMapper) Candidate(r provider.Record) match.Candidate {
	tokens := match.Tokens(getString(r.Fields, "name"))
	if code := strings.ToLower(getString(r.Fields, "user_id")); len(code) > 1 {
		tokens = append(tokens, code)
	}
	return match.Candidate{Tokens: tokens}
}

func (deviceUserMapper) Fields(r provider.Record) (map[string]interface{}, error) {
	privilege, _ := getInt64(r.Fields, "privilege")

	return map[string]interface{}{
		"device_id": getString(r.Fields, "device_id"),
		"user_id":   getString(r.Fields, "user_id"),
		"name":      getString(r.Fields, "name"),
		"card":      getString(r.Fields, "card"),
		"privilege": privilege,
	}, nil
}

type attendanceEventMapper struct{}

func (attendanceEventMapper) Kind() string { return KindAttendanceEvent }

func (attendanceEventMapper) NaturalKey(r provider.Record) (string, error) {
	device := getString(r.Fields, "device_id")
	user := getString(r.Fields, "user_id")
	if device == "" || user == "" {
		return "", fmt.Errorf("missing device_id or user_id")
	}

	ts, ok := getTime(r.Fields, "timestamp")
	if !ok {
		return "", fmt.Errorf("invalid timestamp %v", r.Fields["timestamp"])
	}

	return device + ":" + user + ":" + strconv.FormatInt(ts.Unix(), 10), nil
}

// Events are never fuzzy matched; see ResolveLink.
func (attendanceEventMapper) Candidate(provider.Record) match.Candidate {
	return match.Candidate{}
}

func (attendanceEventMapper) Fields(r provider.Record) (map[string]interface{}, error) {
	ts, ok := getTime(r.Fields, "timestamp")
	if !ok {
		return nil, fmt.Errorf("invalid timestamp %v", r.Fields["timestamp"])
	}

	verify, _ := getInt64(r.Fields, "verify_mode")

	return map[string]interface{}{
		"device_id":   getString(r.Fields, "device_id"),
		"user_id":     getString(r.Fields, "user_id"),
		"punch_time":  ts.Format(time.RFC3339),
		"state":       getFirstString(r.Fields, "state", "status", "punch"),
		"verify_mode": verify,
	}, nil
}

// ResolveLink reuses the link of the device user that produced the punch.
func (attendanceEventMapper) ResolveLink(
	ctx context.Context,
	records store.RecordStore,
	r provider.Record,
) (match.Result, bool, error) {
	key, err := deviceUserMapper{}.NaturalKey(r)
	if err != nil {
		return match.Result{}, false, err
	}

	rec, err := records.FindByNaturalKey(ctx, KindDeviceUser, key)
	if errors.Is(err, store.ErrNotFound) {
		return match.Result{}, false, nil
	}
	if err != nil {
		return match.Result{}, false, err
	}
	if !rec.Linked() {
		return match.Result{}, false, nil
	}

	return match.Result{
		Entity:   match.Entity{ID: rec.LinkedEntityID},
		Score:    rec.MatchScore,
		Strategy: match.Strategy(rec.MatchStrategy),
	}, true, nil
}
