package storage

import (
	"database/sql"
	"fmt"

	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
	"github.com/MingkeVan/opendataworks-sub002/pkg/storage"
)

func InitStore(dbConnStr string) (*PostgresStore, error) {
	store, err := NewPostgresStore(dbConnStr)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orStatus(status models.WorkflowStatus) models.WorkflowStatus {
	if status == "" {
		return models.DraftWorkflowStatus
	}
	return status
}

// expectOne maps an update that touched no row to storage.ErrNotFound.
func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
