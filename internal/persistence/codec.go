package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/petrijr/sagaflow/pkg/api"
)

// EncodeRecord serializes an instance record as JSON. Every backend stores
// this representation, so numbers in context variables read back as float64
// regardless of the store in use.
func EncodeRecord(rec *api.InstanceRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode instance %s: %w", rec.InstanceID, err)
	}
	return data, nil
}

// DecodeRecord is the inverse of EncodeRecord.
func DecodeRecord(data []byte) (*api.InstanceRecord, error) {
	var rec api.InstanceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode instance: %w", err)
	}
	if rec.StepResults == nil {
		rec.StepResults = make(map[string]api.StepResult)
	}
	return &rec, nil
}

// EncodeCheckpoint serializes a checkpoint as JSON.
func EncodeCheckpoint(cp api.Checkpoint) ([]byte, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint %s: %w", cp.Name, err)
	}
	return data, nil
}

// DecodeCheckpoint is the inverse of EncodeCheckpoint.
func DecodeCheckpoint(data []byte) (api.Checkpoint, error) {
	var cp api.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return api.Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}
