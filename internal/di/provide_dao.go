package di

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/dao/studydao"
	"github.com/savaki/radstream/internal/services"
)

// ProvideStudyDAO returns the study ledger, or nil when no table is configured
func ProvideStudyDAO(ctx context.Context, client *dynamodb.Client, config *services.Config) *studydao.DAO {
	if config.StudyTable == "" {
		zerolog.Ctx(ctx).Debug().Msg("study ledger disabled")
		return nil
	}
	return studydao.New(client, config.StudyTable)
}
