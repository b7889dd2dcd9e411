package repo

import (
	"errors"

	"github.com/zeromicro/go-zero/core/stores/cache"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	cachekeys "skim-api/internal/cache"
	"skim-api/internal/model"
)

// Dependencies bundles the row models and shared infrastructure required by
// repository implementations.
type Dependencies struct {
	DBConn sqlx.SqlConn
	Cache  cache.Cache
	TTL    cachekeys.TTLSet

	SummariesModel   model.SummariesModel
	CallRecordsModel model.CallRecordsModel
}

// Set exposes strongly typed repositories to application logic.
type Set struct {
	Summaries SummariesRepo
	Calls     CallsRepo
}

// New constructs the repository set, validating required dependencies.
func New(deps Dependencies) (*Set, error) {
	if deps.DBConn == nil {
		return nil, errors.New("repo: missing DBConn dependency")
	}
	if deps.SummariesModel == nil {
		deps.SummariesModel = model.NewSummariesModel(deps.DBConn)
	}
	if deps.CallRecordsModel == nil {
		deps.CallRecordsModel = model.NewCallRecordsModel(deps.DBConn)
	}

	return &Set{
		Summaries: newSummariesRepo(deps),
		Calls:     newCallsRepo(deps),
	}, nil
}
