package service

import (
	"context"

	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
	"github.com/MingkeVan/opendataworks-sub002/pkg/storage"
	"github.com/pkg/errors"
	"github.com/tidwall/sjson"
)

// ApprovalRequest settles a publish held by RequireApproval.
type ApprovalRequest struct {
	Approver string `json:"approver"`
	Comment  string `json:"comment,omitempty"`
}

// pendingRecord loads a publish record of workflowID that still waits for a
// decision.
func (s *WorkflowService) pendingRecord(workflowID, recordID int64) (models.PublishRecord, *models.Issue, error) {
	rec, err := s.store.GetPublishRecord(recordID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && rec.WorkflowID != workflowID) {
		issue := models.Fatal(models.PublishRecordNotFound, "publish record %d of workflow %d not found", recordID, workflowID)
		return models.PublishRecord{}, &issue, nil
	}
	if err != nil {
		return models.PublishRecord{}, nil, errors.Wrapf(err, "failed to get publish record %d", recordID)
	}
	if rec.Status != models.RecordStatusPending {
		issue := models.Fatal(models.PublishApprovalInvalid, "publish record %d is %s, only pending records can be decided", recordID, rec.Status)
		return models.PublishRecord{}, &issue, nil
	}
	return rec, nil, nil
}

func decisionLog(comment string, executedRecordID int64) string {
	log, _ := sjson.Set("{}", "comment", comment)
	if executedRecordID > 0 {
		log, _ = sjson.Set(log, "executedRecordId", executedRecordID)
	}
	return log
}

// ApprovePublish performs the operation held by a pending publish record. The
// approver stands in for the diff confirmation. The pending record stays
// pending when the operation is blocked or fails, so it can be approved again.
func (s *WorkflowService) ApprovePublish(ctx context.Context, workflowID, recordID int64, req ApprovalRequest) (models.Outcome[PublishResult], error) {
	rec, issue, err := s.pendingRecord(workflowID, recordID)
	if err != nil {
		return models.Outcome[PublishResult]{}, err
	}
	if issue != nil {
		return models.Reject[PublishResult](*issue), nil
	}
	approver := s.operator(req.Approver)

	out, err := s.Publish(ctx, workflowID, PublishRequest{
		Operation:   rec.Operation,
		ConfirmDiff: true,
		Operator:    approver,
		VersionID:   rec.VersionID,
	})
	if err != nil || out.Blocked() {
		return out, err
	}

	rec.Status = models.RecordStatusApproved
	rec.Operator = approver
	rec.EngineWorkflowCode = out.Value.WorkflowCode
	rec.Log = decisionLog(req.Comment, out.Value.RecordID)
	if err := s.store.UpdatePublishRecord(rec); err != nil {
		return models.Outcome[PublishResult]{}, errors.Wrapf(err, "failed to mark publish record %d approved", rec.ID)
	}
	s.logger.Infof("Publish record %d of workflow %d approved by %s", rec.ID, workflowID, approver)
	return out, nil
}

// RejectPublish closes a pending publish record without touching the
// scheduler.
func (s *WorkflowService) RejectPublish(ctx context.Context, workflowID, recordID int64, req ApprovalRequest) (models.Outcome[PublishResult], error) {
	rec, issue, err := s.pendingRecord(workflowID, recordID)
	if err != nil {
		return models.Outcome[PublishResult]{}, err
	}
	if issue != nil {
		return models.Reject[PublishResult](*issue), nil
	}
	approver := s.operator(req.Approver)

	rec.Status = models.RecordStatusRejected
	rec.Operator = approver
	rec.Log = decisionLog(req.Comment, 0)
	var wf models.Workflow
	err = s.withTx(func(tx storage.Store) error {
		if err := tx.UpdatePublishRecord(rec); err != nil {
			return errors.Wrapf(err, "failed to mark publish record %d rejected", rec.ID)
		}
		got, err := tx.GetWorkflow(workflowID)
		if err != nil {
			return errors.Wrapf(err, "failed to get workflow %d", workflowID)
		}
		wf = got
		if wf.PublishStatus != models.PublishStatusPending {
			return nil
		}
		wf.PublishStatus = models.PublishStatusNever
		if wf.HasRuntime() {
			wf.PublishStatus = models.PublishStatusPublished
		}
		return errors.Wrapf(tx.UpdateWorkflow(wf), "failed to update workflow %d", wf.ID)
	})
	if err != nil {
		return models.Outcome[PublishResult]{}, err
	}
	s.logger.Infof("Publish record %d of workflow %d rejected by %s", rec.ID, workflowID, approver)
	return models.Succeed(PublishResult{
		RecordID:      rec.ID,
		OperationID:   rec.OperationID,
		Operation:     rec.Operation,
		Status:        rec.Status,
		WorkflowCode:  wf.WorkflowCode,
		VersionID:     rec.VersionID,
		PublishStatus: wf.PublishStatus,
	}), nil
}
