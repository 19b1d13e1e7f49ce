package api

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/topdesk-stats/internal/engine"
	"github.com/miradorstack/topdesk-stats/internal/models"
)

// FromTriggerRequest reads the optional instance_name filter of a TriggerRefresh call.
func FromTriggerRequest(req *structpb.Struct) (string, error) {
	return optionalString(req, "instance_name")
}

// ToTriggerResponse renders a trigger summary.
func ToTriggerResponse(summary engine.Summary) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"matched":   summary.Matched,
		"attempted": summary.Attempted,
		"succeeded": summary.Succeeded,
		"no_match":  summary.NoMatch,
	})
}

// ToInstancesResponse renders registered instances. Credentials are never included.
func ToInstancesResponse(instances []models.Instance) (*structpb.Struct, error) {
	list := make([]any, 0, len(instances))
	for _, instance := range instances {
		categories := make([]any, 0, len(instance.Categories))
		for _, c := range instance.Categories {
			categories = append(categories, string(c))
		}
		list = append(list, map[string]any{
			"id":                      instance.ID,
			"name":                    instance.Name,
			"host":                    instance.Host,
			"categories":              categories,
			"update_interval_minutes": instance.UpdateInterval.Minutes(),
		})
	}
	return structpb.NewStruct(map[string]any{"instances": list})
}

// FromSnapshotRequest reads the required instance_id and category of a GetSnapshot call.
func FromSnapshotRequest(req *structpb.Struct) (string, models.Category, error) {
	instanceID, err := optionalString(req, "instance_id")
	if err != nil {
		return "", "", err
	}
	if instanceID == "" {
		return "", "", fmt.Errorf("instance_id is required")
	}
	raw, err := optionalString(req, "category")
	if err != nil {
		return "", "", err
	}
	if raw == "" {
		return "", "", fmt.Errorf("category is required")
	}
	category, err := models.ParseCategory(raw)
	if err != nil {
		return "", "", err
	}
	return instanceID, category, nil
}

// ToSnapshotResponse renders a coordinator state with its last-good metrics.
func ToSnapshotResponse(state engine.State) (*structpb.Struct, error) {
	out := map[string]any{
		"instance_id":   state.InstanceID,
		"instance_name": state.InstanceName,
		"category":      string(state.Category),
		"success":       state.Success,
		"refreshing":    state.Refreshing,
	}
	if !state.LastUpdate.IsZero() {
		out["last_update"] = state.LastUpdate.UTC().Format(time.RFC3339)
	}
	if state.LastError != "" {
		out["error"] = string(state.LastError)
		out["error_message"] = state.LastErrorMsg
	}
	if state.Snapshot != nil {
		metrics := make(map[string]any, len(state.Snapshot.Metrics))
		for name, value := range state.Snapshot.Values() {
			metrics[name] = value
		}
		out["metrics"] = metrics
		out["version"] = state.Snapshot.Version
		out["fetched_at"] = state.Snapshot.FetchedAt.UTC().Format(time.RFC3339)
	}
	return structpb.NewStruct(out)
}

func optionalString(req *structpb.Struct, field string) (string, error) {
	if req == nil {
		return "", nil
	}
	v, ok := req.GetFields()[field]
	if !ok {
		return "", nil
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return kind.StringValue, nil
	case *structpb.Value_NullValue:
		return "", nil
	default:
		return "", fmt.Errorf("%s must be a string", field)
	}
}
