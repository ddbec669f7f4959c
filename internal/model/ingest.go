package model

import (
	"strings"
	"time"
)

// IngestSubjectPrefix is the NATS subject prefix for raw click ingestion.
// The tenant is carried as the last token, e.g. clicks.ingest.degrau.
const IngestSubjectPrefix = "clicks.ingest"

// IngestRecord is one raw click as delivered by a lead export or the message bus.
type IngestRecord struct {
	RawID     string     `json:"raw_id" validate:"required,clickid,max=512"`
	Provider  string     `json:"provider" validate:"omitempty,oneof=fb facebook fbclid google gclid"`
	Tenant    string     `json:"tenant" validate:"omitempty,max=64"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// TenantFromSubject extracts the tenant token from an ingest subject.
// It returns false for subjects outside the ingest prefix or without a tenant.
func TenantFromSubject(subject string) (string, bool) {
	rest, ok := strings.CutPrefix(subject, IngestSubjectPrefix+".")
	if !ok || rest == "" || strings.Contains(rest, ".") {
		return "", false
	}
	return rest, true
}
