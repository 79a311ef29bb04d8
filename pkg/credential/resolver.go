// Package credential resolves the auth material a stage needs to call its
// downstream connector, normalizing whatever shape the credential was
// stored in and auditing every inline or stored-credential resolution.
package credential

import (
	"context"
	"fmt"

	"github.com/tripleh1701/pipelineforge/domain/pipeline"
	"github.com/tripleh1701/pipelineforge/infrastructure/database"
)

// ResolvedAuth is the normalized auth material a stage handler consumes.
// Its zero value (all fields empty) means "no auth configured" and is
// distinct from a resolution failure.
type ResolvedAuth struct {
	Type         pipeline.CredentialType
	Username     string
	APIKey       string
	Token        string
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// Redacted renders a log-safe summary: which fields are populated, never
// their values.
func (a ResolvedAuth) Redacted() string {
	present := func(v string) string {
		if v == "" {
			return "unset"
		}
		return "set"
	}
	return fmt.Sprintf("type=%s username=%s apiKey=%s token=%s clientId=%s clientSecret=%s tokenUrl=%s",
		a.Type, present(a.Username), present(a.APIKey), present(a.Token),
		present(a.ClientID), present(a.ClientSecret), present(a.TokenURL))
}

// String never renders secret values, so accidental fmt.Println/log calls
// on a ResolvedAuth degrade to the redacted form rather than leaking it.
func (a ResolvedAuth) String() string { return a.Redacted() }

// StageAuthInput is what the compiled stage carries for C4 to resolve:
// either an inline auth block embedded directly in the pipeline YAML, or a
// reference to a stored credential, or neither.
type StageAuthInput struct {
	Inline       *ResolvedAuth
	CredentialID string
}

// AuditFunc records one resolution attempt; it follows the engine-wide
// audit contract (see pkg/audit) and never returns an error.
type AuditFunc func(ctx context.Context, accountID, credentialID string, resolved bool)

// Resolver implements C4: given a stage's auth input and the account it
// belongs to, returns normalized auth material or nil if none is
// configured. Lookups go through the already-routed ItemStore for the
// account (C1 has resolved accountID to store before this is called).
type Resolver struct {
	audit AuditFunc
}

// New builds a Resolver. audit may be nil, in which case resolution is not
// recorded.
func New(audit AuditFunc) *Resolver {
	if audit == nil {
		audit = func(context.Context, string, string, bool) {}
	}
	return &Resolver{audit: audit}
}

// Resolve implements the three-step priority order from spec §4.4: inline
// auth wins outright; otherwise a credentialId is fetched via store and
// normalized; otherwise nil (the caller decides whether that's fatal).
func (r *Resolver) Resolve(ctx context.Context, store database.ItemStore, accountID string, input StageAuthInput) (*ResolvedAuth, error) {
	if input.Inline != nil {
		r.audit(ctx, accountID, "", true)
		return input.Inline, nil
	}
	if input.CredentialID == "" {
		return nil, nil
	}

	key := database.Key{PK: "ACCOUNT#" + accountID, SK: "CREDENTIAL#" + input.CredentialID}
	item, err := store.Get(ctx, key, false)
	if err != nil {
		r.audit(ctx, accountID, input.CredentialID, false)
		return nil, err
	}

	resolved := normalize(item.Attrs)
	r.audit(ctx, accountID, input.CredentialID, true)
	return &resolved, nil
}

// labelAliases enumerates the well-known label spellings a stored
// credential's attribute map is probed under, per spec §4.4.
var labelAliases = map[string][]string{
	"username":     {"username", "Username"},
	"apiKey":       {"apiToken", "API Key", "Personal Access Token", "apiKey"},
	"token":        {"token", "Token", "access_token"},
	"clientId":     {"clientId", "client_id", "ClientID"},
	"clientSecret": {"clientSecret", "client_secret", "ClientSecret"},
	"tokenUrl":     {"tokenUrl", "token_url", "TokenURL"},
}

func probe(attrs map[string]any, field string) string {
	for _, label := range labelAliases[field] {
		if v, ok := attrs[label]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func normalize(attrs map[string]any) ResolvedAuth {
	credType, _ := attrs["type"].(string)
	return ResolvedAuth{
		Type:         pipeline.CredentialType(credType),
		Username:     probe(attrs, "username"),
		APIKey:       probe(attrs, "apiKey"),
		Token:        probe(attrs, "token"),
		ClientID:     probe(attrs, "clientId"),
		ClientSecret: probe(attrs, "clientSecret"),
		TokenURL:     probe(attrs, "tokenUrl"),
	}
}
