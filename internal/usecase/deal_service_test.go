package usecase

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/storage"
	storagemock "gitlab.com/timkado/api/daisi-crm-automation/internal/storage/mock"
)

func TestDealService_MoveDealStartsAutomation(t *testing.T) {
	f := newEngineFixture(t)
	f.store.addConfig(activeConfig("s2", 24))
	svc := NewDealService(memDeals{f.store}, f.engine, nil)

	change, err := svc.MoveDeal(f.ctx, "d1", "s2")
	require.NoError(t, err)
	assert.Equal(t, "s1", change.FromStageID)
	assert.Equal(t, model.SourceUser, change.Source)
	assert.NotNil(t, f.store.openRun("d1", "s2"))
}

func TestDealService_MoveDealPublishes(t *testing.T) {
	f := newEngineFixture(t)
	f.store.addConfig(activeConfig("s2", 24))
	pub := &publisherMock{}
	pub.On("PublishStageChange", mock.Anything, mock.MatchedBy(func(c model.StageChange) bool {
		return c.DealID == "d1" && c.ToStageID == "s2"
	})).Return(nil).Once()
	svc := NewDealService(memDeals{f.store}, f.engine, pub)

	_, err := svc.MoveDeal(f.ctx, "d1", "s2")
	require.NoError(t, err)
	pub.AssertExpectations(t)
	assert.Nil(t, f.store.openRun("d1", "s2"), "the consumer applies the rule")
}

func TestDealService_SameStageIsNoop(t *testing.T) {
	f := newEngineFixture(t)
	f.store.addConfig(activeConfig("s1", 24))
	svc := NewDealService(memDeals{f.store}, f.engine, nil)

	_, err := svc.MoveDeal(f.ctx, "d1", "s1")
	require.NoError(t, err)
	assert.Empty(t, f.store.runs)
}

func TestDealService_AutomationFailureDoesNotFailMove(t *testing.T) {
	f := newEngineFixture(t)
	deals := &storagemock.DealStoreMock{}
	deals.On("MoveDeal", mock.Anything, storage.DealMove{DealID: "d1", ToStageID: "s2", Source: model.SourceUser}).
		Return(&model.StageChange{DealID: "d1", FromStageID: "s1", ToStageID: "s2"}, nil).Once()
	f.store.addConfig(activeConfig("s2", 24))
	f.store.findDealErr = apperrors.ErrDatabase
	svc := NewDealService(deals, f.engine, nil)

	change, err := svc.MoveDeal(f.ctx, "d1", "s2")
	require.NoError(t, err)
	assert.Equal(t, "s2", change.ToStageID)
}

func TestDealService_MoveError(t *testing.T) {
	f := newEngineFixture(t)
	deals := &storagemock.DealStoreMock{}
	deals.On("MoveDeal", mock.Anything, storage.DealMove{DealID: "d1", ToStageID: "ghost", Source: model.SourceUser}).
		Return(nil, errors.Join(apperrors.ErrNotFound, errors.New("stage ghost"))).Once()
	svc := NewDealService(deals, f.engine, nil)

	_, err := svc.MoveDeal(f.ctx, "d1", "ghost")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
