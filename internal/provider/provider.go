package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/newrelic/nr-itam-sync/pkg/interop"
	"github.com/spf13/viper"
)

// Record is one record as returned by an external system. It only lives for
// the duration of a sync batch.
type Record struct {
	ID     string
	Fields map[string]interface{}
}

// Provider is the uniform capability every external collaborator exposes to
// the reconciliation core.
type Provider interface {
	FetchRecords(ctx context.Context) ([]Record, error)
}

type InitFn func(*interop.Interop, *viper.Viper) (Provider, error)

var (
	initFns      map[string]InitFn
	providerLock sync.Mutex
)

// GetProvider builds the provider described by the given job sub-config. The
// config must carry a "type" registered by one of the provider packages.
func GetProvider(i *interop.Interop, v *viper.Viper) (Provider, error) {
	if v == nil {
		return nil, fmt.Errorf("missing provider in config")
	}

	providerType := v.GetString("type")
	if providerType == "" {
		return nil, fmt.Errorf("missing provider type")
	}

	i.Logger.Debugf("getting provider for type %s...", providerType)

	providerLock.Lock()
	fn, ok := initFns[providerType]
	providerLock.Unlock()

	if !ok {
		return nil, fmt.Errorf("invalid provider: %s", providerType)
	}

	i.Logger.Debugf("initializing provider...")
	return fn(i, v)
}

func RegisterProvider(t string, initFn InitFn) {
	providerLock.Lock()
	defer providerLock.Unlock()

	if initFns == nil {
		initFns = make(map[string]InitFn)
	}

	initFns[t] = initFn
}

// RegisteredTypes lists the provider types available in this binary.
func RegisteredTypes() []string {
	providerLock.Lock()
	defer providerLock.Unlock()

	types := make([]string, 0, len(initFns))
	for t := range initFns {
		types = append(types, t)
	}
	sort.Strings(types)

	return types
}
