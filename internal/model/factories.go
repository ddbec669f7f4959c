package model

import (
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"gitlab.com/timkado/api/click-attribution/pkg/utils"
)

// NewFbclid returns a random raw fbclid shaped like the ones Facebook appends to URLs.
func NewFbclid() string {
	return "IwAR" + gofakeit.Password(true, true, true, false, false, 40)
}

// NewGclid returns a random raw gclid.
func NewGclid() string {
	return "Cj0K" + gofakeit.Password(true, true, true, false, false, 60)
}

// NewPendingClick creates a PendingClick with fake data, applying optional overrides.
func NewPendingClick(overrides ...func(*PendingClick)) PendingClick {
	hint := utils.Now().Add(-time.Duration(gofakeit.Number(1, 72)) * time.Hour).Truncate(time.Second)
	p := PendingClick{
		RawID:            NewFbclid(),
		Provider:         ProviderFacebook,
		Tenant:           DefaultTenant,
		CreationTimeHint: &hint,
	}
	for _, o := range overrides {
		o(&p)
	}
	return p
}

// NewCampaignTuple creates a CampaignTuple with fake data.
func NewCampaignTuple() *CampaignTuple {
	return &CampaignTuple{
		CampaignName: gofakeit.AppName() + "-" + gofakeit.MonthString(),
		CampaignID:   gofakeit.DigitN(15),
		AdsetName:    gofakeit.BuzzWord(),
		AdsetID:      gofakeit.DigitN(15),
		AdName:       gofakeit.HipsterWord(),
		AdID:         gofakeit.DigitN(15),
	}
}
