package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/newrelic/nr-itam-sync/internal/match"
	"github.com/newrelic/nr-itam-sync/internal/provider"
	"github.com/newrelic/nr-itam-sync/internal/store"
)

// Mapper turns external records of one kind into local records.
type Mapper interface {
	Kind() string
	NaturalKey(r provider.Record) (string, error)
	Candidate(r provider.Record) match.Candidate
	Fields(r provider.Record) (map[string]interface{}, error)
}

// LinkResolver is implemented by mappers whose link comes from another local
// record rather than from fuzzy matching.
type LinkResolver interface {
	ResolveLink(
		ctx context.Context,
		records store.RecordStore,
		r provider.Record,
	) (match.Result, bool, error)
}

type mapperFn func() Mapper

var (
	mappers = map[string]mapperFn{}
)

func registerMapper(kind string, fn mapperFn) {
	mappers[kind] = fn
}

func MapperFor(kind string) (Mapper, error) {
	fn, ok := mappers[strings.ToLower(kind)]
	if !ok {
		return nil, fmt.Errorf("invalid record kind: %s", kind)
	}
	return fn(), nil
}

func Kinds() []string {
	kinds := make([]string, 0, len(mappers))
	for k := range mappers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
