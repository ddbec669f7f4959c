package usecase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/click-attribution/internal/apperrors"
	"gitlab.com/timkado/api/click-attribution/internal/model"
	"gitlab.com/timkado/api/click-attribution/internal/observer"
	"gitlab.com/timkado/api/click-attribution/internal/storage"
	"gitlab.com/timkado/api/click-attribution/internal/tenant"
	"gitlab.com/timkado/api/click-attribution/internal/validator"
	"gitlab.com/timkado/api/click-attribution/pkg/logger"
)

// Ingest sources, used as metric labels.
const (
	SourceNATS = "nats"
	SourceFile = "file"
	SourceHTTP = "http"
)

// IngestRecordError explains why one record was rejected.
type IngestRecordError struct {
	Index  int    `json:"index"`
	RawID  string `json:"raw_id,omitempty"`
	Reason string `json:"reason"`
}

// IngestReport summarises one Ingest call.
type IngestReport struct {
	Received int `json:"received"`
	Accepted int `json:"accepted"`
	// Inserted counts new rows; accepted ids already stored are left untouched.
	Inserted int                 `json:"inserted"`
	Invalid  int                 `json:"invalid"`
	Errors   []IngestRecordError `json:"errors,omitempty"`
}

// IngestService turns raw click records into pending store rows.
type IngestService struct {
	store         storage.ClickRepo
	commitEvery   int
	defaultTenant string
	baseLogger    *zap.Logger
}

// NewIngestService creates the service. commitEvery bounds the rows lost on a crash mid-ingest.
func NewIngestService(store storage.ClickRepo, commitEvery int, defaultTenant string, baseLogger *zap.Logger) *IngestService {
	if commitEvery <= 0 {
		commitEvery = 50
	}
	if defaultTenant == "" {
		defaultTenant = model.DefaultTenant
	}
	return &IngestService{
		store:         store,
		commitEvery:   commitEvery,
		defaultTenant: defaultTenant,
		baseLogger:    baseLogger.Named("ingest_service"),
	}
}

// Ingest validates records and upserts the valid ones as pending rows.
// Invalid records are reported, never stored. The returned error is a store
// failure; the report then still carries the validation outcome.
func (s *IngestService) Ingest(ctx context.Context, source string, records []model.IngestRecord) (*IngestReport, error) {
	report := &IngestReport{Received: len(records)}
	log := logger.FromContextOr(ctx, s.baseLogger).With(zap.String("source", source))
	ctxTenant := tenant.FromContextOr(ctx, "")

	clicks := make([]model.PendingClick, 0, len(records))
	tenants := make([]string, 0, len(records))
	for i, rec := range records {
		click, err := s.toPending(rec, ctxTenant)
		if err != nil {
			report.Invalid++
			report.Errors = append(report.Errors, IngestRecordError{Index: i, RawID: rec.RawID, Reason: err.Error()})
			observer.IncIngestRecord(source, click.Tenant, "invalid")
			continue
		}
		clicks = append(clicks, click)
		tenants = append(tenants, click.Tenant)
	}
	report.Accepted = len(clicks)

	if report.Invalid > 0 {
		log.Warn("Rejected invalid click records", zap.Int("invalid", report.Invalid), zap.Int("received", report.Received))
	}
	if len(clicks) == 0 {
		return report, nil
	}

	inserted, err := s.store.UpsertPendingBatch(ctx, clicks, s.commitEvery)
	report.Inserted = inserted
	if err != nil {
		for _, t := range tenants {
			observer.IncIngestRecord(source, t, "store_error")
		}
		log.Error("Failed to store click records", zap.Int("accepted", report.Accepted), zap.Int("inserted", inserted), zap.Error(err))
		return report, err
	}
	for _, t := range tenants {
		observer.IncIngestRecord(source, t, "accepted")
	}

	log.Info("Ingested click records",
		zap.Int("received", report.Received),
		zap.Int("accepted", report.Accepted),
		zap.Int("inserted", report.Inserted),
		zap.Int("invalid", report.Invalid))
	return report, nil
}

// toPending validates rec and fills provider and tenant defaults. The tenant
// precedence is record, then context (subject), then the configured default.
func (s *IngestService) toPending(rec model.IngestRecord, ctxTenant string) (model.PendingClick, error) {
	tenantID := rec.Tenant
	if tenantID == "" {
		tenantID = ctxTenant
	}
	if tenantID == "" {
		tenantID = s.defaultTenant
	}
	click := model.PendingClick{RawID: rec.RawID, Tenant: tenantID, CreationTimeHint: rec.CreatedAt}

	if err := validator.Validate(rec); err != nil {
		if errors.Is(err, apperrors.ErrValidation) && !validator.IsClickID(rec.RawID) {
			return click, fmt.Errorf("%w: %w", apperrors.ErrInvalidIdentifier, err)
		}
		return click, err
	}

	click.Provider = model.ProviderFacebook
	if rec.Provider != "" {
		p, err := model.ParseProvider(rec.Provider)
		if err != nil {
			return click, fmt.Errorf("%w: %w", apperrors.ErrValidation, err)
		}
		click.Provider = p
	}
	return click, nil
}
