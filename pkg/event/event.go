package event

import (
	"github.com/google/uuid"
)

// Kind identifies an event variant. The string form is what gets
// persisted in the event_type column, so values are append-only.
type Kind string

const (
	// Authentication
	KindAuthLoginAttempt     Kind = "auth_login_attempt"
	KindAuthCodeVerified     Kind = "auth_code_verified"
	KindAuthTokenRefresh     Kind = "auth_token_refresh"
	KindAuthSessionValidated Kind = "auth_session_validated"

	// Task lifecycle
	KindTaskCreated   Kind = "task_created"
	KindTaskStarted   Kind = "task_started"
	KindTaskCompleted Kind = "task_completed"
	KindTaskFailed    Kind = "task_failed"
	KindTaskCancelled Kind = "task_cancelled"

	// Integrations
	KindIntegrationConnected    Kind = "integration_connected"
	KindIntegrationDisconnected Kind = "integration_disconnected"
	KindIntegrationUsed         Kind = "integration_used"
	KindIntegrationError        Kind = "integration_error"

	// OAuth
	KindOAuthFlowStarted   Kind = "oauth_flow_started"
	KindOAuthFlowCompleted Kind = "oauth_flow_completed"

	// Webhooks
	KindWebhookReceived  Kind = "webhook_received"
	KindWebhookProcessed Kind = "webhook_processed"

	// Devices
	KindDeviceRegistered        Kind = "device_registered"
	KindDeviceConnected         Kind = "device_connected"
	KindDeviceDisconnected      Kind = "device_disconnected"
	KindDeviceClaimed           Kind = "device_claimed"
	KindDeviceSetupTokenCreated Kind = "device_setup_token_created"
	KindDeviceSetupTokenUsed    Kind = "device_setup_token_used"

	// Projects
	KindProjectCreated Kind = "project_created"
	KindProjectUpdated Kind = "project_updated"
	KindProjectDeleted Kind = "project_deleted"

	// Cross-cutting
	KindAPIRequest       Kind = "api_request"
	KindDatabaseQuery    Kind = "database_query"
	KindApplicationError Kind = "application_error"
)

// Payload is the open, schemaless portion of an event. It is persisted
// verbatim; aggregate definitions declare which keys they read and must
// tolerate absence of everything else.
type Payload map[string]any

// Event is a single trackable occurrence. Construct one with the typed
// helpers below; events are immutable once constructed.
type Event struct {
	Kind    Kind
	UserID  *uuid.UUID
	Payload Payload
}

// Duration returns the duration_ms payload field, if present.
func (e Event) Duration() (int64, bool) {
	return payloadInt64(e.Payload, "duration_ms")
}

func payloadInt64(p Payload, key string) (int64, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func ref(id uuid.UUID) *uuid.UUID { return &id }

// ===== Authentication =====

func AuthLoginAttempt(userID *uuid.UUID, email string, success bool, loginErr string) Event {
	p := Payload{"email": email, "success": success}
	if loginErr != "" {
		p["error"] = loginErr
	}
	return Event{Kind: KindAuthLoginAttempt, UserID: userID, Payload: p}
}

func AuthCodeVerified(userID uuid.UUID, success bool, verifyErr string) Event {
	p := Payload{"success": success}
	if verifyErr != "" {
		p["error"] = verifyErr
	}
	return Event{Kind: KindAuthCodeVerified, UserID: ref(userID), Payload: p}
}

func AuthTokenRefresh(userID uuid.UUID, success bool, refreshErr string) Event {
	p := Payload{"success": success}
	if refreshErr != "" {
		p["error"] = refreshErr
	}
	return Event{Kind: KindAuthTokenRefresh, UserID: ref(userID), Payload: p}
}

func AuthSessionValidated(userID uuid.UUID, valid bool) Event {
	return Event{Kind: KindAuthSessionValidated, UserID: ref(userID), Payload: Payload{"valid": valid}}
}

// ===== Task lifecycle =====

func TaskCreated(taskID, userID uuid.UUID, projectID, deviceID *uuid.UUID, command string) Event {
	p := Payload{"task_id": taskID.String(), "command": command}
	if projectID != nil {
		p["project_id"] = projectID.String()
	}
	if deviceID != nil {
		p["device_id"] = deviceID.String()
	}
	return Event{Kind: KindTaskCreated, UserID: ref(userID), Payload: p}
}

func TaskStarted(taskID, userID uuid.UUID, deviceID *uuid.UUID) Event {
	p := Payload{"task_id": taskID.String()}
	if deviceID != nil {
		p["device_id"] = deviceID.String()
	}
	return Event{Kind: KindTaskStarted, UserID: ref(userID), Payload: p}
}

func TaskCompleted(taskID, userID uuid.UUID, durationMS int64, exitCode int) Event {
	return Event{Kind: KindTaskCompleted, UserID: ref(userID), Payload: Payload{
		"task_id":     taskID.String(),
		"duration_ms": durationMS,
		"exit_code":   exitCode,
	}}
}

func TaskFailed(taskID, userID uuid.UUID, durationMS *int64, exitCode *int, taskErr string) Event {
	p := Payload{"task_id": taskID.String(), "error": taskErr}
	if durationMS != nil {
		p["duration_ms"] = *durationMS
	}
	if exitCode != nil {
		p["exit_code"] = *exitCode
	}
	return Event{Kind: KindTaskFailed, UserID: ref(userID), Payload: p}
}

func TaskCancelled(taskID, userID uuid.UUID, durationMS *int64) Event {
	p := Payload{"task_id": taskID.String()}
	if durationMS != nil {
		p["duration_ms"] = *durationMS
	}
	return Event{Kind: KindTaskCancelled, UserID: ref(userID), Payload: p}
}

// ===== Integrations =====

func IntegrationConnected(integrationID, userID uuid.UUID, provider string, projectID *uuid.UUID) Event {
	p := Payload{"integration_id": integrationID.String(), "provider": provider}
	if projectID != nil {
		p["project_id"] = projectID.String()
	}
	return Event{Kind: KindIntegrationConnected, UserID: ref(userID), Payload: p}
}

func IntegrationDisconnected(integrationID, userID uuid.UUID, provider, reason string) Event {
	p := Payload{"integration_id": integrationID.String(), "provider": provider}
	if reason != "" {
		p["reason"] = reason
	}
	return Event{Kind: KindIntegrationDisconnected, UserID: ref(userID), Payload: p}
}

func IntegrationUsed(integrationID, userID uuid.UUID, provider, action string) Event {
	return Event{Kind: KindIntegrationUsed, UserID: ref(userID), Payload: Payload{
		"integration_id": integrationID.String(),
		"provider":       provider,
		"action":         action,
	}}
}

func IntegrationError(integrationID, userID uuid.UUID, provider, integrationErr string) Event {
	return Event{Kind: KindIntegrationError, UserID: ref(userID), Payload: Payload{
		"integration_id": integrationID.String(),
		"provider":       provider,
		"error":          integrationErr,
	}}
}

// ===== OAuth =====

func OAuthFlowStarted(userID uuid.UUID, provider, state string) Event {
	return Event{Kind: KindOAuthFlowStarted, UserID: ref(userID), Payload: Payload{
		"provider": provider,
		"state":    state,
	}}
}

func OAuthFlowCompleted(userID uuid.UUID, provider string, success bool, flowErr string) Event {
	p := Payload{"provider": provider, "success": success}
	if flowErr != "" {
		p["error"] = flowErr
	}
	return Event{Kind: KindOAuthFlowCompleted, UserID: ref(userID), Payload: p}
}

// ===== Webhooks =====

func WebhookReceived(integrationID *uuid.UUID, provider, eventType, deliveryID string) Event {
	p := Payload{"provider": provider, "webhook_event_type": eventType, "delivery_id": deliveryID}
	if integrationID != nil {
		p["integration_id"] = integrationID.String()
	}
	return Event{Kind: KindWebhookReceived, Payload: p}
}

func WebhookProcessed(integrationID *uuid.UUID, provider, eventType, deliveryID string, success bool, durationMS int64, hookErr string) Event {
	p := Payload{
		"provider":           provider,
		"webhook_event_type": eventType,
		"delivery_id":        deliveryID,
		"success":            success,
		"duration_ms":        durationMS,
	}
	if integrationID != nil {
		p["integration_id"] = integrationID.String()
	}
	if hookErr != "" {
		p["error"] = hookErr
	}
	return Event{Kind: KindWebhookProcessed, Payload: p}
}

// ===== Devices =====

func DeviceRegistered(deviceID, userID uuid.UUID, deviceName string) Event {
	p := Payload{"device_id": deviceID.String()}
	if deviceName != "" {
		p["device_name"] = deviceName
	}
	return Event{Kind: KindDeviceRegistered, UserID: ref(userID), Payload: p}
}

func DeviceConnected(deviceID uuid.UUID, userID *uuid.UUID) Event {
	return Event{Kind: KindDeviceConnected, UserID: userID, Payload: Payload{"device_id": deviceID.String()}}
}

func DeviceDisconnected(deviceID uuid.UUID, userID *uuid.UUID, durationSeconds int64) Event {
	return Event{Kind: KindDeviceDisconnected, UserID: userID, Payload: Payload{
		"device_id":        deviceID.String(),
		"duration_seconds": durationSeconds,
	}}
}

func DeviceClaimed(deviceID, userID uuid.UUID, viaSetupToken bool) Event {
	return Event{Kind: KindDeviceClaimed, UserID: ref(userID), Payload: Payload{
		"device_id":       deviceID.String(),
		"via_setup_token": viaSetupToken,
	}}
}

func DeviceSetupTokenCreated(tokenID, userID uuid.UUID, deviceName string) Event {
	p := Payload{"token_id": tokenID.String()}
	if deviceName != "" {
		p["device_name"] = deviceName
	}
	return Event{Kind: KindDeviceSetupTokenCreated, UserID: ref(userID), Payload: p}
}

func DeviceSetupTokenUsed(tokenID, deviceID, userID uuid.UUID) Event {
	return Event{Kind: KindDeviceSetupTokenUsed, UserID: ref(userID), Payload: Payload{
		"token_id":  tokenID.String(),
		"device_id": deviceID.String(),
	}}
}

// ===== Projects =====

func ProjectCreated(projectID, userID uuid.UUID, name string) Event {
	return Event{Kind: KindProjectCreated, UserID: ref(userID), Payload: Payload{
		"project_id": projectID.String(),
		"name":       name,
	}}
}

func ProjectUpdated(projectID, userID uuid.UUID) Event {
	return Event{Kind: KindProjectUpdated, UserID: ref(userID), Payload: Payload{"project_id": projectID.String()}}
}

func ProjectDeleted(projectID, userID uuid.UUID) Event {
	return Event{Kind: KindProjectDeleted, UserID: ref(userID), Payload: Payload{"project_id": projectID.String()}}
}

// ===== Cross-cutting =====

func APIRequest(service, endpoint, method string, statusCode int, durationMS int64, userID *uuid.UUID) Event {
	return Event{Kind: KindAPIRequest, UserID: userID, Payload: Payload{
		"service":     service,
		"endpoint":    endpoint,
		"method":      method,
		"status_code": statusCode,
		"duration_ms": durationMS,
	}}
}

func DatabaseQuery(service, queryType string, durationMS int64, rowsAffected *int64) Event {
	p := Payload{"service": service, "query_type": queryType, "duration_ms": durationMS}
	if rowsAffected != nil {
		p["rows_affected"] = *rowsAffected
	}
	return Event{Kind: KindDatabaseQuery, Payload: p}
}

func ApplicationError(service, errorType, errorMessage string, userID *uuid.UUID, context Payload) Event {
	p := Payload{"service": service, "error_type": errorType, "error_message": errorMessage}
	if len(context) > 0 {
		p["context"] = map[string]any(context)
	}
	return Event{Kind: KindApplicationError, UserID: userID, Payload: p}
}
