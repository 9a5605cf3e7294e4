// Package voice provides read-only lookup of the synthesis voices available
// to a session. Catalog results are stable for a given snapshot; nothing in
// this package mutates a voice.
package voice

import (
	"context"
	"strings"
)

// Capability tags recognized in catalog entries.
const (
	CapabilityPersonal = "personal"
)

type Voice struct {
	ID           string
	Language     string
	Name         string
	Description  string
	Category     string
	Capabilities []string
}

func (v Voice) HasCapability(capability string) bool {
	for _, c := range v.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Catalog is a pure query surface over a voice snapshot.
type Catalog interface {
	// ListAll returns every voice, optionally filtered by category.
	ListAll(ctx context.Context, category string) ([]Voice, error)
	// ListByCapability returns voices carrying the given capability tag.
	ListByCapability(ctx context.Context, capability string) ([]Voice, error)
	// DefaultLanguage returns the catalog's current language code.
	DefaultLanguage(ctx context.Context) (string, error)
}

// ListCurated filters the catalog down to platform-curated voices, matched
// by identifier prefix.
func ListCurated(ctx context.Context, catalog Catalog, prefix string) ([]Voice, error) {
	voices, err := catalog.ListAll(ctx, "")
	if err != nil {
		return nil, err
	}
	var curated []Voice
	for _, v := range voices {
		if prefix == "" || strings.HasPrefix(v.ID, prefix) {
			curated = append(curated, v)
		}
	}
	return curated, nil
}

// Authorization is the outcome of a personal-voice permission query.
type Authorization string

const (
	AuthorizationAuthorized    Authorization = "authorized"
	AuthorizationDenied        Authorization = "denied"
	AuthorizationUnsupported   Authorization = "unsupported"
	AuthorizationNotDetermined Authorization = "notDetermined"
	AuthorizationUnknown       Authorization = "unknown"
)

// AuthorizationFromConfig maps the configured personal-voice policy to an
// authorization outcome.
func AuthorizationFromConfig(mode string) Authorization {
	switch mode {
	case "authorized":
		return AuthorizationAuthorized
	case "denied":
		return AuthorizationDenied
	case "unsupported":
		return AuthorizationUnsupported
	case "not_determined":
		return AuthorizationNotDetermined
	default:
		return AuthorizationUnknown
	}
}
