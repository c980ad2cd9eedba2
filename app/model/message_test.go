package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTerminalMessage_CompletedKeepsZeroProcessingTime(t *testing.T) {
	task := newQueuedTask()
	task.Status = TaskStatusPostprocessing
	require.NoError(t, task.SetCompleted("results/task-1.jpg", 0, time.Now()))

	msg := NewTerminalMessage(*task, "/api/v1/inpaint/task-1/result")
	require.NotNil(t, msg.ProcessingTime)

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "completed", fields["type"])
	assert.Equal(t, "/api/v1/inpaint/task-1/result", fields["resultLocation"])
	assert.Contains(t, fields, "processingTime")
	assert.Equal(t, 0.0, fields["processingTime"])
}

func TestNewProgressMessage_OmitsProcessingTime(t *testing.T) {
	task := newQueuedTask()
	require.NoError(t, task.Transition(TaskStatusValidating, time.Now()))
	task.SetProgress(10)

	data, err := json.Marshal(NewProgressMessage(*task))
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "progress", fields["type"])
	assert.Equal(t, 10.0, fields["progress"])
	assert.NotContains(t, fields, "processingTime")
}
