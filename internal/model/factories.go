package model

import (
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
)

// Factories below build fake records for tests and the load tester.
// Pass a func to tweak the defaults.

func ptr[T any](v T) *T { return &v }

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return ptr(s) }

func NewFunnel(opts ...func(*Funnel)) *Funnel {
	f := &Funnel{
		ID:        uuid.NewString(),
		CompanyID: "company_" + gofakeit.LetterN(6),
		Name:      gofakeit.BuzzWord() + " pipeline",
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func NewStage(opts ...func(*Stage)) *Stage {
	s := &Stage{
		ID:        uuid.NewString(),
		CompanyID: "company_" + gofakeit.LetterN(6),
		FunnelID:  uuid.NewString(),
		Name:      gofakeit.Verb(),
		Position:  gofakeit.Number(0, 10),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func NewContact(opts ...func(*Contact)) *Contact {
	c := &Contact{
		ID:          uuid.NewString(),
		CompanyID:   "company_" + gofakeit.LetterN(6),
		PhoneNumber: "62" + gofakeit.Numerify("8##########"),
		Name:        gofakeit.Name(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func NewDeal(opts ...func(*Deal)) *Deal {
	d := &Deal{
		ID:        uuid.NewString(),
		CompanyID: "company_" + gofakeit.LetterN(6),
		FunnelID:  uuid.NewString(),
		StageID:   uuid.NewString(),
		ContactID: ptr(uuid.NewString()),
		Title:     gofakeit.Company(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func NewStageAutomationConfig(opts ...func(*StageAutomationConfig)) *StageAutomationConfig {
	c := &StageAutomationConfig{
		ID:                 uuid.NewString(),
		CompanyID:          "company_" + gofakeit.LetterN(6),
		StageID:            uuid.NewString(),
		FlowID:             ptr(uuid.NewString()),
		WaitHours:          gofakeit.Number(1, 72),
		NextStageID:        ptr(uuid.NewString()),
		IsActive:           true,
		ExecuteImmediately: gofakeit.Bool(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func NewDealAutomationRun(opts ...func(*DealAutomationRun)) *DealAutomationRun {
	waitUntil := time.Now().UTC().Add(time.Duration(gofakeit.Number(1, 48)) * time.Hour)
	r := &DealAutomationRun{
		ID:           uuid.NewString(),
		CompanyID:    "company_" + gofakeit.LetterN(6),
		DealID:       uuid.NewString(),
		StageID:      uuid.NewString(),
		AutomationID: ptr(uuid.NewString()),
		Status:       RunStatusWaiting,
		WaitHours:    24,
		WaitUntil:    &waitUntil,
		NextStageID:  ptr(uuid.NewString()),
		ContactPhone: "62" + gofakeit.Numerify("8##########"),
		CreatedAt:    time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func NewDealStageChangedPayload(opts ...func(*DealStageChangedPayload)) *DealStageChangedPayload {
	p := &DealStageChangedPayload{
		DealID:          uuid.NewString(),
		FunnelID:        uuid.NewString(),
		PreviousStageID: uuid.NewString(),
		NewStageID:      uuid.NewString(),
		Source:          SourceUser,
		ChangedAt:       time.Now().Unix(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func NewInboundMessagePayload(opts ...func(*InboundMessagePayload)) *InboundMessagePayload {
	phone := "62" + gofakeit.Numerify("8##########")
	p := &InboundMessagePayload{
		MessageID:        gofakeit.UUID(),
		FromPhone:        phone,
		ChatID:           phone + "@s.whatsapp.net",
		Jid:              phone + "@s.whatsapp.net",
		Flow:             MessageFlowIncoming,
		AgentID:          gofakeit.UUID(),
		MessageText:      gofakeit.Sentence(6),
		MessageTimestamp: time.Now().Unix(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}
