package syncservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/nebulachat/sync-api/internal/metrics"
	"github.com/nebulachat/sync-api/internal/store"
	"github.com/nebulachat/sync-api/internal/syncx"
)

// Push applies a batch of operations for one user. The whole batch runs
// in a single transaction with a single server timestamp; each
// operation gets its own savepoint so one bad op rolls back alone while
// the rest of the batch commits. Replayed op_ids return the recorded
// result of the first run without re-executing.
func (s *Service) Push(ctx context.Context, userID int64, req PushRequest) (*PushResponse, error) {
	for _, op := range req.Operations {
		if op.OpID == "" || op.DeviceID == "" || op.OpType == "" || op.Data == nil {
			return nil, &ValidationError{Message: "operations require op_id, device_id, op_type and data"}
		}
	}

	// Serialize batches per user so the duplicate check and the
	// operation insert cannot interleave across connections.
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin push tx: %w", err)
	}
	defer tx.Rollback()

	ts := syncx.NowMs()
	results := make([]map[string]any, 0, len(req.Operations))

	for i, op := range req.Operations {
		prev, err := store.OperationByID(ctx, tx, userID, op.OpID)
		if err == nil {
			var recorded any
			if prev.ResultData != nil {
				var m map[string]any
				if json.Unmarshal([]byte(*prev.ResultData), &m) == nil {
					recorded = m
				}
			}
			results = append(results, map[string]any{
				"op_id":  op.OpID,
				"status": "duplicate",
				"result": recorded,
			})
			metrics.PushOperationsTotal.WithLabelValues(op.OpType, "duplicate").Inc()
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("check op %s: %w", op.OpID, err)
		}

		sp := fmt.Sprintf("sp_%d", i)
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
			return nil, fmt.Errorf("savepoint: %w", err)
		}

		result, opErr := s.applyOperation(ctx, tx, userID, op, ts)
		if opErr == nil {
			opErr = s.recordOperation(ctx, tx, userID, op, result, ts)
		}

		if opErr != nil {
			if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp); err != nil {
				return nil, fmt.Errorf("rollback op %s: %w", op.OpID, err)
			}
			log.Warn().Err(opErr).
				Int64("user_id", userID).
				Str("op_id", op.OpID).
				Str("op_type", op.OpType).
				Msg("push operation failed")
			results = append(results, map[string]any{
				"op_id":  op.OpID,
				"status": "error",
				"error":  opErr.Error(),
			})
			metrics.PushOperationsTotal.WithLabelValues(op.OpType, "error").Inc()
			continue
		}

		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
			return nil, fmt.Errorf("release op %s: %w", op.OpID, err)
		}
		results = append(results, map[string]any{
			"op_id":  op.OpID,
			"status": "success",
			"result": result,
		})
		metrics.PushOperationsTotal.WithLabelValues(op.OpType, "success").Inc()
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit push tx: %w", err)
	}

	return &PushResponse{Results: results, ServerTime: ts}, nil
}

// recordOperation stores the op for idempotent replay detection.
func (s *Service) recordOperation(ctx context.Context, tx sqlx.ExtContext, userID int64, op Operation, result map[string]any, ts int64) error {
	opData, err := json.Marshal(op.Data)
	if err != nil {
		return fmt.Errorf("encode op data: %w", err)
	}
	resultData, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode op result: %w", err)
	}
	opJSON := string(opData)
	resJSON := string(resultData)

	return store.InsertOperation(ctx, tx, &store.Operation{
		OpID:          op.OpID,
		UserID:        userID,
		DeviceID:      &op.DeviceID,
		OperationType: op.OpType,
		OperationData: &opJSON,
		ResultData:    &resJSON,
		CreatedAt:     ts,
	})
}
