package models_test

import (
	"testing"

	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeEdges(t *testing.T) {
	edges := []models.Edge{
		{PreTaskCode: 102, PostTaskCode: 103},
		{PreTaskCode: 0, PostTaskCode: 101},
		{PreTaskCode: 101, PostTaskCode: 102},
		{PreTaskCode: 102, PostTaskCode: 102},
		{PreTaskCode: 101, PostTaskCode: 102},
		{PreTaskCode: 101, PostTaskCode: 0},
		{PreTaskCode: -1, PostTaskCode: 104},
	}
	assert.Equal(t, []models.Edge{
		{PreTaskCode: 101, PostTaskCode: 102},
		{PreTaskCode: 102, PostTaskCode: 103},
	}, models.NormalizeEdges(edges))

	assert.Empty(t, models.NormalizeEdges(nil))
	assert.NotNil(t, models.NormalizeEdges(nil))
}
