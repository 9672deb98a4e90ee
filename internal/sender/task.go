// Package sender owns everything between a handler and the backend:
// per-entity sender tasks with batch buffers, the shared rate limiter,
// pushback-driven splitting, retry with exponential backoff, and the
// queue processor that drains the disk spool.
package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/szibis/telemetry-proxy/internal/api"
	"github.com/szibis/telemetry-proxy/internal/entity"
)

// taskKindLines is the envelope discriminator for line-oriented
// payloads (points, histograms, spans, span logs). New entity types get
// new kinds; old spool files keep deserializing.
const (
	taskKindLines      = "lines"
	taskKindSourceTags = "sourceTags"
)

// SubmissionTask is one queueable unit of work: a batch payload plus
// enough metadata to retry, split, and account for it.
type SubmissionTask struct {
	Kind               string             `json:"kind"`
	EntityType         entity.Type        `json:"entityType"`
	Handle             string             `json:"handle"`
	FirstAttemptMillis int64              `json:"firstAttempt"`
	Attempts           int                `json:"attempts"`
	Lines              []string           `json:"lines,omitempty"`
	SourceTags         []entity.SourceTag `json:"sourceTags,omitempty"`
}

// NewLineTask builds a submission task for line-oriented entities.
func NewLineTask(t entity.Type, handle string, lines []string) *SubmissionTask {
	return &SubmissionTask{
		Kind:               taskKindLines,
		EntityType:         t,
		Handle:             handle,
		FirstAttemptMillis: time.Now().UnixMilli(),
		Lines:              lines,
	}
}

// NewSourceTagTask builds a submission task for source-tag operations.
func NewSourceTagTask(handle string, ops []entity.SourceTag) *SubmissionTask {
	return &SubmissionTask{
		Kind:               taskKindSourceTags,
		EntityType:         entity.TypeSourceTag,
		Handle:             handle,
		FirstAttemptMillis: time.Now().UnixMilli(),
		SourceTags:         ops,
	}
}

// Weight is the task's cost for rate accounting: the number of items
// it carries.
func (t *SubmissionTask) Weight() int {
	if t.Kind == taskKindSourceTags {
		return len(t.SourceTags)
	}
	return len(t.Lines)
}

// Marshal serializes the task envelope for spooling. The kind
// discriminator lets future entity types coexist with old spool files.
func (t *SubmissionTask) Marshal() ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalTask deserializes a spooled task envelope. Unknown kinds
// are an error; callers count and skip them.
func UnmarshalTask(data []byte) (*SubmissionTask, error) {
	var t SubmissionTask
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("sender: corrupt task envelope: %w", err)
	}
	switch t.Kind {
	case taskKindLines, taskKindSourceTags:
		return &t, nil
	default:
		return nil, fmt.Errorf("sender: unknown task kind %q", t.Kind)
	}
}

// Split divides the task into two smaller halves for pushback handling.
// Tasks lighter than twice minSplitSize (or carrying a single item)
// return themselves unchanged. No item is duplicated or lost across splits.
func (t *SubmissionTask) Split(minSplitSize int) []*SubmissionTask {
	w := t.Weight()
	if w < minSplitSize*2 || w < 2 {
		return []*SubmissionTask{t}
	}
	a, b := *t, *t
	if t.Kind == taskKindSourceTags {
		mid := len(t.SourceTags) / 2
		a.SourceTags = t.SourceTags[:mid]
		b.SourceTags = t.SourceTags[mid:]
	} else {
		mid := len(t.Lines) / 2
		a.Lines = t.Lines[:mid]
		b.Lines = t.Lines[mid:]
	}
	return []*SubmissionTask{&a, &b}
}

// Execute submits the task to the backend.
func (t *SubmissionTask) Execute(ctx context.Context, client *api.Client) error {
	t.Attempts++
	if t.Kind == taskKindSourceTags {
		return t.executeSourceTags(ctx, client)
	}
	body := strings.NewReader(strings.Join(t.Lines, "\n"))
	return client.Report(ctx, t.EntityType, body)
}

// executeSourceTags runs each source-tag operation against its
// idempotent endpoint. The first failure aborts and surfaces; already
// applied operations are safe to replay on retry.
func (t *SubmissionTask) executeSourceTags(ctx context.Context, client *api.Client) error {
	for _, st := range t.SourceTags {
		var err error
		switch st.Op {
		case entity.OpSourceDescription:
			switch st.Action {
			case entity.ActionDelete:
				err = client.RemoveDescription(ctx, st.Source)
			case entity.ActionSave, entity.ActionAdd:
				err = client.SetDescription(ctx, st.Source, firstOrEmpty(st.Annotations))
			default:
				err = permanentf("invalid source description action: %s", st.Action)
			}
		case entity.OpSourceTag:
			switch st.Action {
			case entity.ActionAdd:
				err = client.AppendTag(ctx, st.Source, firstOrEmpty(st.Annotations))
			case entity.ActionDelete:
				err = client.RemoveTag(ctx, st.Source, firstOrEmpty(st.Annotations))
			case entity.ActionSave:
				err = client.SetTags(ctx, st.Source, st.Annotations)
			default:
				err = permanentf("invalid source tag action: %s", st.Action)
			}
		default:
			err = permanentf("invalid source tag operation: %s", st.Op)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func firstOrEmpty(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

// permanentf builds a non-retryable client error for malformed
// operations that made it past validation.
func permanentf(format string, args ...interface{}) error {
	return &api.APIError{
		Err:        errors.New(fmt.Sprintf(format, args...)),
		Type:       api.ErrorTypeClientError,
		StatusCode: 400,
	}
}
