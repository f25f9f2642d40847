// Package model defines domain entities used by services and storage.
package model

import (
	"encoding/json"
	"time"
)

// TokenSet is the credential pair returned by the auth endpoints.
// ExpiresIn is the access token lifetime in seconds as reported by the
// server; the stored absolute expiry is computed at storage time and never
// recomputed from the token's own claims.
type TokenSet struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// Claims is the decoded (NOT verified) view of a bearer token payload.
type Claims struct {
	Subject   string         // sub
	IssuedAt  int64          // iat, unix seconds
	ExpiresAt int64          // exp, unix seconds
	Audience  string         // aud
	Issuer    string         // iss
	Role      string         // role
	DeviceID  string         // deviceId, optional
	Extra     map[string]any // any remaining claims
}

// TokenMetadata is a diagnostic summary of the stored token pair.
type TokenMetadata struct {
	HasAccessToken      bool          `json:"hasAccessToken"`
	HasRefreshToken     bool          `json:"hasRefreshToken"`
	AccessTokenExpired  bool          `json:"accessTokenExpired"`
	RefreshTokenExpired bool          `json:"refreshTokenExpired"`
	TimeRemaining       time.Duration `json:"timeRemaining"`
	Role                string        `json:"role,omitempty"`
}

// User is the profile persisted alongside tokens and cleared with them on logout.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Role     string `json:"role,omitempty"`
}

// DeviceInfo is the metadata sent with login requests.
type DeviceInfo struct {
	Platform string `json:"platform"`
	Version  string `json:"version"`
	Model    string `json:"model"`
}

// CaseStatus is the assignment lifecycle of a case.
type CaseStatus string

const (
	StatusAssigned   CaseStatus = "Assigned"
	StatusInProgress CaseStatus = "In Progress"
	StatusCompleted  CaseStatus = "Completed"
	// StatusSubmitted marks a case whose final report reached the server.
	StatusSubmitted CaseStatus = "Submitted"
)

// SubmissionStatus is the state machine of a case's final upload:
// pending -> submitting -> {success, failed}; failed may be retried back
// to submitting via an explicit resubmit.
type SubmissionStatus string

const (
	SubmissionPending    SubmissionStatus = "pending"
	SubmissionSubmitting SubmissionStatus = "submitting"
	SubmissionSuccess    SubmissionStatus = "success"
	SubmissionFailed     SubmissionStatus = "failed"
)

// VerificationType identifies the report kind a case carries.
type VerificationType string

const (
	VerifyResidence          VerificationType = "Residence"
	VerifyResidenceCumOffice VerificationType = "Residence-cum-office"
	VerifyOffice             VerificationType = "Office"
	VerifyBusiness           VerificationType = "Business"
	VerifyBuilder            VerificationType = "Builder"
	VerifyNOC                VerificationType = "NOC"
	VerifyConnector          VerificationType = "DSA/DST & Connector"
	VerifyPropertyAPF        VerificationType = "Property (APF)"
	VerifyPropertyIndividual VerificationType = "Property (Individual)"
)

// VerificationOutcome is the field agent's finding. Deprecated values are
// remapped on read by the one-way outcome migration.
type VerificationOutcome string

const (
	OutcomePositiveAndDoorLocked VerificationOutcome = "Positive & Door Locked"
	OutcomeShiftedAndDoorLocked  VerificationOutcome = "Shifted & Door Lock"
	OutcomeNSPAndDoorLocked      VerificationOutcome = "NSP & Door Lock"
	OutcomeERT                   VerificationOutcome = "ERT"
	OutcomeUntraceable           VerificationOutcome = "Untraceable"
)

// RevokeReason explains why an agent returned a case.
type RevokeReason string

const (
	RevokeNotMyArea    RevokeReason = "Not my area"
	RevokeWrongPincode RevokeReason = "Wrong pincode"
	RevokeNotWorking   RevokeReason = "Not working"
	RevokeLeftArea     RevokeReason = "Left area"
	RevokeWrongAddress RevokeReason = "Wrong/incomplete address"
)

// Customer is the party being verified.
type Customer struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
}

// Case is the unit of work assigned to a field agent. Report payloads are
// owned by the form layer and treated as opaque documents here.
type Case struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Customer    Customer   `json:"customer"`
	Status      CaseStatus `json:"status"`
	IsSaved     bool       `json:"isSaved"`

	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	InProgressAt *time.Time `json:"inProgressAt,omitempty"`
	SavedAt      *time.Time `json:"savedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`

	SubmissionStatus      SubmissionStatus `json:"submissionStatus,omitempty"`
	SubmissionError       string           `json:"submissionError,omitempty"`
	LastSubmissionAttempt *time.Time       `json:"lastSubmissionAttempt,omitempty"`

	VerificationType    VerificationType    `json:"verificationType"`
	VerificationOutcome VerificationOutcome `json:"verificationOutcome,omitempty"`

	BankName            string `json:"bankName,omitempty"`
	Product             string `json:"product,omitempty"`
	Trigger             string `json:"trigger,omitempty"`
	VisitAddress        string `json:"visitAddress,omitempty"`
	SystemContactNumber string `json:"systemContactNumber,omitempty"`
	ApplicantStatus     string `json:"applicantStatus,omitempty"`

	Order    int    `json:"order,omitempty"`
	Priority int    `json:"priority,omitempty"`
	Notes    string `json:"notes,omitempty"`

	// Reports holds the per-kind report documents keyed by report name
	// (e.g. "residenceReport"). The form layer owns their schemas.
	Reports map[string]json.RawMessage `json:"reports,omitempty"`
}

// QueueAction is the kind of mutation a sync queue item replays.
type QueueAction string

const (
	ActionCreate QueueAction = "create"
	ActionUpdate QueueAction = "update"
	ActionDelete QueueAction = "delete"
)

// SyncQueueItem is a durable mutation awaiting replay against the server.
// RetryCount only ever increases; the item is removed on success or once
// the count exceeds the configured maximum.
type SyncQueueItem struct {
	ID         string          `json:"id"`
	CaseID     string          `json:"caseId" validate:"required"`
	Action     QueueAction     `json:"action" validate:"required,oneof=create update delete"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	RetryCount int             `json:"retryCount"`
}

// APIError is the structured failure carried by response envelopes.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Pagination describes a page of a server-side listing.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// CaseListParams filters, sorts and paginates case listings. The same
// parameters apply to the server call and to the local-cache fallback.
type CaseListParams struct {
	Status string
	Search string
	SortBy string // "updatedAt" (default, desc) or "priority" (asc)
	Page   int
	Limit  int
}

// CaseListResponse is the uniform shape returned to collaborators
// regardless of whether the network or the local cache served it.
type CaseListResponse struct {
	Cases      []Case     `json:"cases"`
	Pagination Pagination `json:"pagination"`
	FromCache  bool       `json:"fromCache,omitempty"`
}

// SubmitResult reports the outcome of a case submission.
type SubmitResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SyncResult aggregates one drain pass over the sync queue.
type SyncResult struct {
	Success     bool     `json:"success"`
	SyncedCount int      `json:"syncedCount"`
	Errors      []string `json:"errors,omitempty"`
}
