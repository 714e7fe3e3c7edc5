package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/spindlework/graphloom/pkg/eventlog"
	"github.com/spindlework/graphloom/pkg/models"
	"github.com/spindlework/graphloom/pkg/queue"
)

// opsSchema is the structural contract for patch ops. Known tags get their
// required fields enforced; an unrecognized tag only needs a type string
// and is forwarded to the UI as-is.
const opsSchema = `{
  "type": "array",
  "minItems": 1,
  "items": {
    "type": "object",
    "required": ["type"],
    "properties": {
      "type": {"type": "string", "minLength": 1}
    },
    "allOf": [
      {
        "if": {"properties": {"type": {"const": "createNewGraph"}}},
        "then": {
          "required": ["initialData"],
          "properties": {
            "initialData": {
              "type": "object",
              "required": ["id", "name"],
              "properties": {
                "id": {"type": "string", "minLength": 1},
                "name": {"type": "string", "minLength": 1}
              }
            }
          }
        }
      },
      {
        "if": {"properties": {"type": {"const": "addNodePrototype"}}},
        "then": {
          "required": ["prototypeData"],
          "properties": {
            "prototypeData": {
              "type": "object",
              "required": ["id", "name"],
              "properties": {
                "id": {"type": "string", "minLength": 1},
                "name": {"type": "string", "minLength": 1}
              }
            }
          }
        }
      },
      {
        "if": {"properties": {"type": {"const": "addNodeInstance"}}},
        "then": {
          "required": ["graphId", "prototypeId", "instanceId", "position"],
          "properties": {
            "position": {"type": "object", "required": ["x", "y"]}
          }
        }
      },
      {
        "if": {"properties": {"type": {"const": "moveNodeInstance"}}},
        "then": {"required": ["graphId", "instanceId", "position"]}
      },
      {
        "if": {"properties": {"type": {"const": "removeNodeInstance"}}},
        "then": {"required": ["graphId", "instanceId"]}
      },
      {
        "if": {"properties": {"type": {"const": "addEdge"}}},
        "then": {
          "required": ["graphId", "edgeData"],
          "properties": {
            "edgeData": {
              "type": "object",
              "required": ["id", "sourceId", "destinationId"],
              "properties": {
                "id": {"type": "string", "minLength": 1},
                "sourceId": {"type": "string", "minLength": 1},
                "destinationId": {"type": "string", "minLength": 1}
              }
            }
          }
        }
      },
      {
        "if": {"properties": {"type": {"const": "updateEdgeDefinition"}}},
        "then": {"required": ["edgeId"]}
      },
      {
        "if": {"properties": {"type": {"const": "updateNodePrototype"}}},
        "then": {"required": ["prototypeId"]}
      },
      {
        "if": {"properties": {"type": {"const": "updateGraph"}}},
        "then": {"required": ["graphId"]}
      },
      {
        "if": {"properties": {"type": {"const": "readResponse"}}},
        "then": {"required": ["toolName"]}
      }
    ]
  }
}`

var opsValidator = jsonschema.MustCompileString("ops.json", opsSchema)

// PatchAuditor decides whether a patch may proceed to the committer. The
// default policy auto-approves anything that passes structural validation;
// a richer policy can replace it behind the same Review signature.
type PatchAuditor struct {
	logger *slog.Logger
}

// NewPatchAuditor creates the default structural auditor.
func NewPatchAuditor(logger *slog.Logger) *PatchAuditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &PatchAuditor{logger: logger}
}

// auditorTick pulls up to max patches, reviews each, and enqueues the
// decision onto the review queue.
func (s *Scheduler) auditorTick(max int) {
	items := s.queues.Pull(queue.PatchQueue, queue.PullOptions{Max: max})
	for _, it := range items {
		patch, err := queue.PayloadAs[models.Patch](it.Payload)
		if err != nil {
			s.logger.Warn("Dropping malformed patch", "item_id", it.ID, "error", err)
			s.queues.Ack(queue.PatchQueue, it.LeaseID)
			continue
		}

		review := s.auditor.Review(patch)
		s.queues.Enqueue(queue.ReviewQueue, review, review.GraphID)

		fields := map[string]any{
			"patchId":      patch.PatchID,
			"graphId":      review.GraphID,
			"reviewStatus": review.ReviewStatus,
			"cid":          patch.CID,
		}
		if len(review.Reasons) > 0 {
			fields["reasons"] = review.Reasons
		}
		s.events.Append(eventlog.TypeReviewEnqueued, fields)
		s.queues.Ack(queue.PatchQueue, it.LeaseID)
	}
}

// Review validates one patch and returns the approve/reject decision. The
// patch rides along inside the review so the committer never needs to look
// the patch up again.
func (a *PatchAuditor) Review(patch models.Patch) models.Review {
	var reasons []string
	if patch.PatchID == "" {
		reasons = append(reasons, "missing patchId")
	}
	if len(patch.Ops) == 0 {
		reasons = append(reasons, "empty ops")
	}
	if mutates(patch.Ops) && patch.GraphID == "" {
		reasons = append(reasons, "mutation patch without graphId")
	}
	if len(reasons) == 0 {
		reasons = validateOps(patch.Ops)
	}

	status := models.ReviewApproved
	if len(reasons) > 0 {
		status = models.ReviewRejected
		a.logger.Info("Patch rejected by auditor",
			"patch_id", patch.PatchID,
			"graph_id", patch.GraphID,
			"reasons", reasons)
	}
	return models.Review{
		ReviewStatus: status,
		Reasons:      reasons,
		GraphID:      patch.GraphID,
		Patch:        &patch,
	}
}

// validateOps runs the ops through the schema. The ops take a JSON
// round-trip first: the validator works on decoded JSON values, and the
// round-trip applies the same field presence rules the wire format has.
func validateOps(ops []models.Op) []string {
	b, err := json.Marshal(ops)
	if err != nil {
		return []string{fmt.Sprintf("ops not serializable: %v", err)}
	}
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return []string{fmt.Sprintf("ops not serializable: %v", err)}
	}
	if err := opsValidator.Validate(decoded); err != nil {
		return schemaReasons(err)
	}
	return nil
}

// schemaReasons flattens a validation error into its leaf messages.
func schemaReasons(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	leaves := leafCauses(ve)
	out := make([]string, 0, len(leaves))
	for _, c := range leaves {
		loc := c.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		out = append(out, fmt.Sprintf("%s: %s", loc, c.Message))
	}
	return out
}

func leafCauses(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leafCauses(c)...)
	}
	return out
}
