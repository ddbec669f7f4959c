package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"gitlab.com/timkado/api/click-attribution/internal/jetstream"
	"gitlab.com/timkado/api/click-attribution/internal/model"
)

// PublishResult counts what the stream accepted.
type PublishResult struct {
	Published  int `json:"published"`
	Duplicates int `json:"duplicates"`
}

// Publish sends records to the ingest subjects, one message per record, so a
// serving instance stores them. Records without a tenant go to defaultTenant.
// The message id is tenant:raw_id, so re-publishing a lead file inside the
// stream duplicate window is a no-op. Publishing stops at the first failure.
func Publish(ctx context.Context, client jetstream.ClientInterface, records []model.IngestRecord, defaultTenant string) (PublishResult, error) {
	var res PublishResult
	if defaultTenant == "" {
		defaultTenant = model.DefaultTenant
	}
	for i, rec := range records {
		tenantID := rec.Tenant
		if tenantID == "" {
			tenantID = defaultTenant
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return res, fmt.Errorf("failed to encode record %d: %w", i, err)
		}
		dup, err := client.Publish(ctx, model.IngestSubjectPrefix+"."+tenantID, data, tenantID+":"+rec.RawID)
		if err != nil {
			return res, fmt.Errorf("failed to publish record %d: %w", i, err)
		}
		if dup {
			res.Duplicates++
			continue
		}
		res.Published++
	}
	return res, nil
}
