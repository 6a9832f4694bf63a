package audit

import (
	"encoding/json"
	"log"
	"time"
)

type AuditEvent struct {
	Timestamp      time.Time `json:"timestamp"`
	EventType      string    `json:"event_type"`
	OrganizationID string    `json:"organization_id"`
	Reference      string    `json:"reference,omitempty"`
	Amount         int64     `json:"amount,omitempty"`
	Status         string    `json:"status"`
	Details        any       `json:"details,omitempty"`
}

type AuditLogger struct{}

func NewAuditLogger() *AuditLogger {
	return &AuditLogger{}
}

func (a *AuditLogger) LogEntry(orgID, entryType, reference string, amount int64) {
	event := AuditEvent{
		Timestamp:      time.Now(),
		EventType:      "LEDGER_ENTRY",
		OrganizationID: orgID,
		Reference:      reference,
		Amount:         amount,
		Status:         "SUCCESS",
		Details:        map[string]string{"entry_type": entryType},
	}
	a.log(event)
}

// Alert marks events that need operator attention: debt-limit
// overruns, dead-lettered jobs, balance drift, recharge failures.
func (a *AuditLogger) Alert(orgID, alertType, message string) {
	event := AuditEvent{
		Timestamp:      time.Now(),
		EventType:      alertType,
		OrganizationID: orgID,
		Status:         "ALERT",
		Details:        map[string]string{"message": message},
	}
	data, _ := json.Marshal(event)
	log.Printf("ALERT: %s", string(data))
}

func (a *AuditLogger) log(event AuditEvent) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
