package sync

import (
	"github.com/gofrs/uuid"
	"github.com/newrelic/nr-itam-sync/internal/model"
)

type auditEvent map[string]interface{}

func (s *Syncer) newAuditEvent(
	uuid uuid.UUID,
	action string,
	err error,
) auditEvent {
	event := auditEvent{}

	event["id"] = uuid.String()
	event["job"] = s.job
	event["kind"] = s.kind
	event["action"] = action
	event["error"] = err != nil
	if err != nil {
		event["errorMessage"] = err.Error()
	}

	return event
}

func (s *Syncer) newEndEvent(uuid uuid.UUID, run *model.SyncRun, err error) auditEvent {
	event := s.newAuditEvent(uuid, "sync_end", err)

	event["status"] = run.Status
	event["durationMs"] = run.Duration.Milliseconds()
	event["found"] = run.Found
	event["new"] = run.New
	event["updated"] = run.Updated
	event["skipped"] = run.Skipped
	event["errors"] = run.Errors

	return event
}

func (s *Syncer) pushEvent(event auditEvent) {
	if !s.eventsConfig.Enabled || s.i.App == nil {
		return
	}

	s.i.App.RecordCustomEvent(s.eventsConfig.EventType, event)
}
