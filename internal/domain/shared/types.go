package shared

// EventType names a donation status event
type EventType string

const (
	EventDonationCreated        EventType = "DONATION_CREATED"
	EventDonationInitiated      EventType = "DONATION_INITIATED"
	EventDonationCompleted      EventType = "DONATION_COMPLETED"
	EventDonationFailed         EventType = "DONATION_FAILED"
	EventDonationCancelled      EventType = "DONATION_CANCELLED"
	EventDonationReconciliation EventType = "DONATION_RECONCILIATION_SCHEDULED"
)

// IngestResult records what happened to a provider notification
type IngestResult string

const (
	IngestReceived   IngestResult = "RECEIVED"
	IngestApplied    IngestResult = "APPLIED"
	IngestDuplicate  IngestResult = "DUPLICATE"
	IngestUnmatched  IngestResult = "UNMATCHED"
	IngestRejected   IngestResult = "REJECTED"
	IngestParked     IngestResult = "PARKED"
	IngestIgnored    IngestResult = "IGNORED"
	IngestDeadLetter IngestResult = "DEAD_LETTER"
)

// FailureReason defines donation failure categories
type FailureReason string

const (
	FailureReasonProviderRejected    FailureReason = "PROVIDER_REJECTED"
	FailureReasonProviderUnavailable FailureReason = "PROVIDER_UNAVAILABLE"
	FailureReasonPaymentDeclined     FailureReason = "PAYMENT_DECLINED"
	FailureReasonExpired             FailureReason = "RECONCILIATION_EXPIRED"
	FailureReasonInitiationTimeout   FailureReason = "INITIATION_TIMEOUT"
)

// OutboxStatus defines message publishing states
type OutboxStatus string

const (
	OutboxStatusPending         OutboxStatus = "PENDING"
	OutboxStatusProcessed       OutboxStatus = "PROCESSED"
	OutboxStatusFailedToPublish OutboxStatus = "FAILED_TO_PUBLISH"
)
