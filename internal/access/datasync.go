package access

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirgate/fhirgate/internal/platform/auth"
	"github.com/fhirgate/fhirgate/internal/platform/backend"
	"github.com/fhirgate/fhirgate/internal/platform/fhir"
)

// claimAppID names the application configuration driving sync filtering.
const claimAppID = "fhir_core_app_id"

// Tag systems the data checker filters on, one per sync strategy. Records
// are tagged with these systems at submission time.
const (
	tagSystemCareTeam     = "https://smartregister.org/care-team-tag-id"
	tagSystemOrganization = "https://smartregister.org/organisation-tag-id"
	tagSystemLocation     = "https://smartregister.org/location-tag-id"
)

const syncScopeTTL = 5 * time.Minute

// syncScope is the resolved filter for one (practitioner, application)
// pair: which strategy the app syncs by and which ids the practitioner
// holds under it.
type syncScope struct {
	strategy string
	system   string
	ids      []string
}

type syncScopeEntry struct {
	scope     *syncScope
	fetchedAt time.Time
}

// dataChecker narrows searches to the caller's assignment: it resolves the
// application's sync strategy (CareTeam, Organization or Location) and the
// practitioner's ids for it, then rewrites queries with a _tag filter.
// Ignored types pass through untouched; writes still resolve the scope but
// are forwarded unfiltered.
type dataChecker struct {
	backend       *backend.Client
	logger        zerolog.Logger
	ignored       map[string]bool
	allowedMapIDs map[string]bool

	mu    sync.RWMutex
	cache map[string]*syncScopeEntry
}

func newDataChecker(deps Deps) *dataChecker {
	ignored := make(map[string]bool, len(deps.IgnoredTypes))
	for _, t := range deps.IgnoredTypes {
		if t = strings.TrimSpace(t); t != "" {
			ignored[t] = true
		}
	}
	allowed := make(map[string]bool, len(deps.AllowedStructureMapIDs))
	for _, id := range deps.AllowedStructureMapIDs {
		if id = strings.TrimSpace(id); id != "" {
			allowed[id] = true
		}
	}
	return &dataChecker{
		backend:       deps.Backend,
		logger:        deps.Logger,
		ignored:       ignored,
		allowedMapIDs: allowed,
		cache:         make(map[string]*syncScopeEntry),
	}
}

func (c *dataChecker) Name() string { return "data" }

func (c *dataChecker) Check(ctx context.Context, req *RequestView, token *auth.DecodedToken) (*Decision, error) {
	appID := token.StringClaim(claimAppID)
	if appID == "" {
		return Deny("token carries no fhir_core_app_id claim"), nil
	}
	if token.Subject == "" {
		return Deny("token carries no subject"), nil
	}

	if req.ResourceType != "" {
		if c.ignored[req.ResourceType] {
			return Granted(), nil
		}
		if req.ResourceType == "StructureMap" && c.allowedStructureMapLookup(req) {
			return Granted(), nil
		}
	}

	isRead := req.Method == http.MethodGet || req.Method == http.MethodHead
	if isRead && req.ResourceType == "" {
		return Deny("requests without a resource type are not allowed"), nil
	}

	// Every request proves the scope resolves, writes included: an app set up
	// for sync filtering whose practitioner holds no assignment is
	// misconfigured, and letting its writes through would hide that.
	scope, err := c.resolve(ctx, token.Subject, appID)
	if err != nil {
		if ge, ok := fhir.AsError(err); ok {
			return nil, ge
		}
		return Deny("sync configuration: %v", err), nil
	}

	// The tag filter narrows searches; writes go through as submitted.
	if !isRead {
		return Granted(), nil
	}

	values := make([]string, len(scope.ids))
	for i, id := range scope.ids {
		values[i] = scope.system + "|" + id
	}
	m := &Mutation{AddParams: url.Values{"_tag": values}}
	return GrantedWithMutation(m), nil
}

// allowedStructureMapLookup reports whether the request reads only
// explicitly allow-listed StructureMaps.
func (c *dataChecker) allowedStructureMapLookup(req *RequestView) bool {
	if len(c.allowedMapIDs) == 0 {
		return false
	}
	var ids []string
	if req.ResourceID != "" {
		ids = append(ids, req.ResourceID)
	}
	for _, raw := range req.Query["_id"] {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return false
	}
	for _, id := range ids {
		if !c.allowedMapIDs[id] {
			return false
		}
	}
	return true
}

func (c *dataChecker) resolve(ctx context.Context, subject, appID string) (*syncScope, error) {
	key := subject + "|" + appID

	c.mu.RLock()
	entry, ok := c.cache[key]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < syncScopeTTL {
		return entry.scope, nil
	}

	scope, err := c.resolveFresh(ctx, subject, appID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[key] = &syncScopeEntry{scope: scope, fetchedAt: time.Now()}
	c.mu.Unlock()
	return scope, nil
}

func (c *dataChecker) resolveFresh(ctx context.Context, subject, appID string) (*syncScope, error) {
	binaryID, err := c.findConfigBinary(ctx, appID)
	if err != nil {
		return nil, err
	}
	strategy, err := c.readSyncStrategy(ctx, binaryID)
	if err != nil {
		return nil, err
	}
	system, err := tagSystemFor(strategy)
	if err != nil {
		return nil, err
	}
	ids, err := c.practitionerIDs(ctx, subject, strategy)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("practitioner has no %s assignment", strategy)
	}

	c.logger.Debug().
		Str("app", appID).
		Str("strategy", strategy).
		Strs("ids", ids).
		Msg("resolved sync scope")
	return &syncScope{strategy: strategy, system: system, ids: ids}, nil
}

// findConfigBinary locates the application's Composition and returns the
// Binary reference of its application section.
func (c *dataChecker) findConfigBinary(ctx context.Context, appID string) (string, error) {
	bundle, err := c.backend.Search(ctx, "Composition", url.Values{"identifier": {appID}})
	if err != nil {
		return "", err
	}
	if len(bundle.Entry) == 0 || bundle.Entry[0].Resource == nil {
		return "", fmt.Errorf("no Composition found for application %s", appID)
	}

	var comp struct {
		Section []struct {
			Focus struct {
				Identifier struct {
					Value string `json:"value"`
				} `json:"identifier"`
				Reference string `json:"reference"`
			} `json:"focus"`
		} `json:"section"`
	}
	if err := json.Unmarshal(bundle.Entry[0].Resource, &comp); err != nil {
		return "", fmt.Errorf("decoding application Composition: %w", err)
	}
	for _, section := range comp.Section {
		if section.Focus.Identifier.Value != "application" {
			continue
		}
		resourceType, id, ok := fhir.ParseReference(section.Focus.Reference)
		if !ok || resourceType != "Binary" {
			return "", fmt.Errorf("application section of Composition does not reference a Binary")
		}
		return id, nil
	}
	return "", fmt.Errorf("Composition for application %s has no application section", appID)
}

// readSyncStrategy fetches the configuration Binary and extracts the sync
// strategy from its base64 JSON payload.
func (c *dataChecker) readSyncStrategy(ctx context.Context, binaryID string) (string, error) {
	raw, err := c.backend.Read(ctx, "Binary", binaryID)
	if err != nil {
		return "", err
	}
	var bin struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &bin); err != nil {
		return "", fmt.Errorf("decoding configuration Binary: %w", err)
	}
	payload, err := base64.StdEncoding.DecodeString(bin.Data)
	if err != nil {
		return "", fmt.Errorf("configuration Binary data is not valid base64: %w", err)
	}

	var config struct {
		SyncStrategy json.RawMessage `json:"syncStrategy"`
	}
	if err := json.Unmarshal(payload, &config); err != nil {
		return "", fmt.Errorf("decoding application configuration: %w", err)
	}
	// The strategy is a string in current configurations, a one-element
	// array in older ones.
	var single string
	if err := json.Unmarshal(config.SyncStrategy, &single); err == nil && single != "" {
		return single, nil
	}
	var multi []string
	if err := json.Unmarshal(config.SyncStrategy, &multi); err == nil && len(multi) > 0 {
		return multi[0], nil
	}
	return "", fmt.Errorf("application configuration has no syncStrategy")
}

// practitionerIDs fetches the caller's PractitionerDetail and returns the id
// list for the active strategy.
func (c *dataChecker) practitionerIDs(ctx context.Context, subject, strategy string) ([]string, error) {
	bundle, err := c.backend.Search(ctx, "PractitionerDetail", url.Values{"keycloak-uuid": {subject}})
	if err != nil {
		return nil, err
	}
	if len(bundle.Entry) == 0 || bundle.Entry[0].Resource == nil {
		return nil, fmt.Errorf("no PractitionerDetail found for subject")
	}

	type idHolder struct {
		ID string `json:"id"`
	}
	var detail struct {
		Fhir struct {
			CareTeams     []idHolder `json:"careTeams"`
			Organizations []idHolder `json:"organizations"`
			Locations     []idHolder `json:"locations"`
		} `json:"fhir"`
	}
	if err := json.Unmarshal(bundle.Entry[0].Resource, &detail); err != nil {
		return nil, fmt.Errorf("decoding PractitionerDetail: %w", err)
	}

	var holders []idHolder
	switch strategy {
	case "CareTeam":
		holders = detail.Fhir.CareTeams
	case "Organization":
		holders = detail.Fhir.Organizations
	case "Location":
		holders = detail.Fhir.Locations
	}
	ids := make([]string, 0, len(holders))
	for _, h := range holders {
		if h.ID != "" {
			ids = append(ids, h.ID)
		}
	}
	return ids, nil
}

func tagSystemFor(strategy string) (string, error) {
	switch strategy {
	case "CareTeam":
		return tagSystemCareTeam, nil
	case "Organization":
		return tagSystemOrganization, nil
	case "Location":
		return tagSystemLocation, nil
	default:
		return "", fmt.Errorf("unknown sync strategy %q", strategy)
	}
}
