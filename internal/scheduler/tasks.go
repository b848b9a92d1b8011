package scheduler

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

// TaskTenantSyncRun is an operator-forced sync for one tenant. It skips
// the run-window test but still claims the tenant/day key so it cannot
// double a scheduled run.
const TaskTenantSyncRun = "dirsync.tenant.run"

type TenantSyncRunPayload struct {
	TenantID string `json:"tenantId"`
}

func NewTenantSyncRunTask(payload TenantSyncRunPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTenantSyncRun, data), nil
}

func ParseTenantSyncRunPayload(task *asynq.Task) (TenantSyncRunPayload, error) {
	var payload TenantSyncRunPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return TenantSyncRunPayload{}, err
	}
	return payload, nil
}
