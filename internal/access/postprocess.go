package access

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	fm "github.com/samply/golang-fhir-models/fhir-models/fhir"

	"github.com/fhirgate/fhirgate/internal/platform/backend"
	"github.com/fhirgate/fhirgate/internal/platform/fhir"
)

// ListAppender adds newly created patients to the authorizing List once the
// backend has accepted the write. Append failures are logged and never
// change the client-visible response.
type ListAppender struct {
	backend *backend.Client
	listID  string
	logger  zerolog.Logger
	ids     []string
}

// NewListAppender builds an appender for the given list. When the created
// patient ids are known up front (PUT with a client-assigned id) they are
// passed here; otherwise they are discovered from the backend response.
func NewListAppender(b *backend.Client, listID string, logger zerolog.Logger, ids ...string) *ListAppender {
	return &ListAppender{backend: b, listID: listID, logger: logger, ids: ids}
}

func (a *ListAppender) Process(ctx context.Context, resp *UpstreamResponse) ([]byte, error) {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil
	}

	ids := a.ids
	if len(ids) == 0 {
		ids = createdPatientIDs(resp)
	}
	if len(ids) == 0 {
		a.logger.Warn().Str("list", a.listID).Msg("create succeeded but response names no patient to append")
		return nil, nil
	}

	for _, id := range ids {
		if err := a.append(ctx, id); err != nil {
			a.logger.Error().Err(err).
				Str("list", a.listID).
				Str("patient", id).
				Msg("appending patient to list failed")
		}
	}
	return nil, nil
}

func (a *ListAppender) append(ctx context.Context, patientID string) error {
	patch, err := fhir.MarshalPatch([]fhir.PatchOperation{
		fhir.NewAddOperation("/entry/-", map[string]interface{}{
			"item": map[string]interface{}{"reference": "Patient/" + patientID},
		}),
	})
	if err != nil {
		return err
	}
	return a.backend.Patch(ctx, "List", a.listID, patch)
}

// createdPatientIDs extracts the ids of patients a backend response reports
// as created: the Location header for plain creates, per-entry response
// locations for bundles, the returned resource as a fallback.
func createdPatientIDs(resp *UpstreamResponse) []string {
	if loc := resp.Header.Get("Location"); loc != "" {
		if resourceType, id, ok := fhir.ParseReference(loc); ok && resourceType == "Patient" {
			return []string{id}
		}
	}

	var peek struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(resp.Body, &peek); err != nil {
		return nil
	}
	switch peek.ResourceType {
	case "Patient":
		if peek.ID != "" {
			return []string{peek.ID}
		}
	case "Bundle":
		bundle, err := fm.UnmarshalBundle(resp.Body)
		if err != nil {
			return nil
		}
		var ids []string
		for _, entry := range bundle.Entry {
			if entry.Response == nil || entry.Response.Location == nil {
				continue
			}
			if resourceType, id, ok := fhir.ParseReference(*entry.Response.Location); ok && resourceType == "Patient" {
				ids = append(ids, id)
			}
		}
		return ids
	}
	return nil
}

// ListExpander answers a List read with the listed groups themselves: it
// turns the upstream List's Group items into a batch of GETs, preserving
// entry order, and returns the backend's batch-response bundle as the body.
// Items referencing other resource types are left to the List as returned.
type ListExpander struct {
	backend *backend.Client
	logger  zerolog.Logger
}

// NewListExpander builds the expander behind the list-entries gateway mode.
func NewListExpander(b *backend.Client, logger zerolog.Logger) *ListExpander {
	return &ListExpander{backend: b, logger: logger}
}

func (e *ListExpander) Process(ctx context.Context, resp *UpstreamResponse) ([]byte, error) {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil
	}

	var peek struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(resp.Body, &peek); err != nil || peek.ResourceType != "List" {
		return nil, fhir.InvalidRequest("list-entries mode requires a List response")
	}
	list, err := fm.UnmarshalList(resp.Body)
	if err != nil {
		return nil, fhir.InvalidRequest("list-entries mode requires a List response").WithCause(err)
	}

	entries := make([]fm.BundleEntry, 0, len(list.Entry))
	for _, item := range list.Entry {
		if item.Deleted != nil && *item.Deleted {
			continue
		}
		if item.Item.Reference == nil || *item.Item.Reference == "" {
			continue
		}
		resourceType, id, ok := fhir.ParseReference(*item.Item.Reference)
		if !ok || resourceType != "Group" {
			continue
		}
		entries = append(entries, fm.BundleEntry{
			Request: &fm.BundleEntryRequest{Method: fm.HTTPVerbGET, Url: "Group/" + id},
		})
	}
	if len(entries) == 0 {
		e.logger.Debug().Msg("list has no group entries to expand")
		return nil, nil
	}

	batch, err := json.Marshal(fm.Bundle{Type: fm.BundleTypeBatch, Entry: entries})
	if err != nil {
		return nil, fmt.Errorf("building batch bundle: %w", err)
	}
	result, err := e.backend.Transact(ctx, batch)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding batch response: %w", err)
	}
	e.logger.Debug().Int("entries", len(entries)).Msg("expanded list entries")
	return out, nil
}
