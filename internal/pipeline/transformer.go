// Package pipeline contains the queued dispatch stages run by the streaming
// service: decoding a job from a message and executing it with the engine.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

// DispatchJob is the queued form of a dispatch request. Mode selects which of
// the addressing fields apply.
type DispatchJob struct {
	Mode      dispatch.Mode    `json:"mode"`
	AccountID string           `json:"accountId,omitempty"`
	Token     string           `json:"token,omitempty"`
	Topic     string           `json:"topic,omitempty"`
	DeviceIDs []string         `json:"deviceIds,omitempty"`
	Tokens    []string         `json:"tokens,omitempty"`
	Content   dispatch.Content `json:"content"`
	Operator  string           `json:"operator,omitempty"`
}

// Validate checks that the addressing fields match the mode.
func (j *DispatchJob) Validate() error {
	switch j.Mode {
	case dispatch.ModeDevice:
		if j.Token == "" {
			return fmt.Errorf("device job without token")
		}
	case dispatch.ModeTopic:
		if j.Topic == "" {
			return fmt.Errorf("topic job without topic")
		}
	case dispatch.ModeBroadcast:
	default:
		return fmt.Errorf("unknown dispatch mode %q", j.Mode)
	}
	return nil
}

// DispatchJobTransformer unmarshals and validates a raw message payload into a
// DispatchJob. Undecodable or invalid jobs are skipped with an error so the
// streaming service can route them to the dead-letter topic.
func DispatchJobTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*DispatchJob, bool, error) {
	var job DispatchJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal dispatch job from message %s: %w", msg.ID, err)
	}
	if err := job.Validate(); err != nil {
		return nil, true, fmt.Errorf("invalid dispatch job in message %s: %w", msg.ID, err)
	}
	return &job, false, nil
}
