package access

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fhirgate/fhirgate/internal/platform/fhir"
)

// AnyValue is the wildcard parameter value in an allowed-queries entry: it
// matches any single-valued occurrence of the parameter.
const AnyValue = "ANY_VALUE"

// AllowedQueryEntry is one permitted query shape. Path is literal; a
// trailing "/" marks a single path-variable slot. A nil (JSON null or
// missing) path is a configuration error.
type AllowedQueryEntry struct {
	Path              *string           `json:"path"`
	MethodType        string            `json:"methodType"`
	QueryParams       map[string]string `json:"queryParams"`
	AllowExtraParams  bool              `json:"allowExtraParams"`
	AllParamsRequired bool              `json:"allParamsRequired"`
}

type allowedQueriesFile struct {
	Entries []AllowedQueryEntry `json:"entries"`
}

// AllowedQueries matches requests against an ordered list of permitted query
// shapes. Immutable after load.
type AllowedQueries struct {
	entries []AllowedQueryEntry
}

// LoadAllowedQueries reads and validates the allowed-queries configuration
// file. A malformed file aborts startup.
func LoadAllowedQueries(path string) (*AllowedQueries, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading allowed-queries file: %w", err)
	}
	return ParseAllowedQueries(data)
}

// ParseAllowedQueries parses allowed-queries configuration bytes.
func ParseAllowedQueries(data []byte) (*AllowedQueries, error) {
	var file allowedQueriesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing allowed-queries config: %w", err)
	}
	for i, entry := range file.Entries {
		if entry.Path == nil {
			return nil, fmt.Errorf("allowed-queries entry %d has no path", i)
		}
	}
	return &AllowedQueries{entries: file.Entries}, nil
}

// Match reports whether the request matches any configured entry, first
// match wins. No match is not a denial: the access checker decides.
func (a *AllowedQueries) Match(req *fhir.Request) bool {
	if a == nil {
		return false
	}
	for i := range a.entries {
		if entryMatches(&a.entries[i], req) {
			return true
		}
	}
	return false
}

func entryMatches(entry *AllowedQueryEntry, req *fhir.Request) bool {
	if entry.MethodType != "" && entry.MethodType != req.Method() {
		return false
	}
	if !pathMatches(strings.TrimPrefix(*entry.Path, "/"), req.Path()) {
		return false
	}

	matched := map[string]bool{}
	for name, want := range entry.QueryParams {
		values, present := req.Query()[name]
		if !present {
			if entry.AllParamsRequired {
				return false
			}
			continue
		}
		if len(values) != 1 {
			return false
		}
		if want != AnyValue && values[0] != want {
			return false
		}
		matched[name] = true
	}

	if !entry.AllowExtraParams {
		for name := range req.Query() {
			if !matched[name] {
				return false
			}
		}
	}
	return true
}

// pathMatches compares an entry path against the normalized request path.
// A trailing "/" on the entry is a single path-variable slot: the request
// must extend the prefix by exactly one segment.
func pathMatches(entryPath, requestPath string) bool {
	if strings.HasSuffix(entryPath, "/") {
		rest, ok := strings.CutPrefix(requestPath, entryPath)
		return ok && rest != "" && !strings.Contains(rest, "/")
	}
	return entryPath == requestPath
}
