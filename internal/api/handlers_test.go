package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/topdesk-stats/internal/engine"
	"github.com/miradorstack/topdesk-stats/internal/models"
)

func TestFromTriggerRequest(t *testing.T) {
	name, err := FromTriggerRequest(nil)
	require.NoError(t, err)
	assert.Empty(t, name)

	req, err := structpb.NewStruct(map[string]any{"instance_name": "Service Desk"})
	require.NoError(t, err)
	name, err = FromTriggerRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "Service Desk", name)

	req, err = structpb.NewStruct(map[string]any{"instance_name": nil})
	require.NoError(t, err)
	name, err = FromTriggerRequest(req)
	require.NoError(t, err)
	assert.Empty(t, name)

	req, err = structpb.NewStruct(map[string]any{"instance_name": true})
	require.NoError(t, err)
	_, err = FromTriggerRequest(req)
	assert.Error(t, err)
}

func TestFromSnapshotRequest(t *testing.T) {
	req, err := structpb.NewStruct(map[string]any{"instance_id": "abc", "category": "Incidents"})
	require.NoError(t, err)
	id, category, err := FromSnapshotRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
	assert.Equal(t, models.CategoryIncident, category)

	_, _, err = FromSnapshotRequest(&structpb.Struct{})
	assert.Error(t, err)
}

func TestToSnapshotResponseWithoutSnapshot(t *testing.T) {
	resp, err := ToSnapshotResponse(engine.State{InstanceID: "abc", Category: models.CategoryIncident, Refreshing: true})
	require.NoError(t, err)
	fields := resp.AsMap()
	assert.Equal(t, true, fields["refreshing"])
	assert.NotContains(t, fields, "metrics")
	assert.NotContains(t, fields, "last_update")
	assert.NotContains(t, fields, "error")
}

func TestToInstancesResponse(t *testing.T) {
	instance := models.NewInstance("Lab", "http://localhost:8085/", "demo", "demo", []models.Category{models.CategoryIncident, models.CategoryChange}, 90*time.Second)
	resp, err := ToInstancesResponse([]models.Instance{instance})
	require.NoError(t, err)
	entry := resp.AsMap()["instances"].([]any)[0].(map[string]any)
	assert.Equal(t, "http://localhost:8085", entry["host"])
	assert.Equal(t, []any{"incident", "change"}, entry["categories"])
	assert.Equal(t, 1.5, entry["update_interval_minutes"])
}
