// Package db defines the persisted schema for feeds, feed runs, source
// products, canonical products, and the resolver's work queue, plus the
// Postgres connection helpers used to reach them.
//
// Models are gorm structs (gorm.Model embed); raw-SQL operations the ORM
// doesn't model well (advisory locks, LISTEN/NOTIFY, unique-violation
// races) go through PostgresDB in postgres_pgx.go instead.
package db

import (
	"time"

	"gorm.io/gorm"
)

// FeedStatus is the lifecycle state of a configured Feed.
type FeedStatus string

const (
	FeedStatusDraft    FeedStatus = "DRAFT"
	FeedStatusEnabled  FeedStatus = "ENABLED"
	FeedStatusPaused   FeedStatus = "PAUSED"
	FeedStatusDisabled FeedStatus = "DISABLED"
)

// TransportKind is the feed's remote file-transfer protocol.
type TransportKind string

const (
	TransportFTP  TransportKind = "FTP"
	TransportSFTP TransportKind = "SFTP"
)

// CompressionKind is the feed file's compression wrapper, if any.
type CompressionKind string

const (
	CompressionNone CompressionKind = "NONE"
	CompressionGzip CompressionKind = "GZIP"
)

// Feed is one configured source: an affiliate network or retailer export
// reachable over FTP/SFTP on a recurring schedule.
type Feed struct {
	gorm.Model
	SourceID string        `gorm:"uniqueIndex:idx_feeds_source_id;not null"`
	Network  string
	Status   FeedStatus `gorm:"not null;default:DRAFT"`

	Transport TransportKind `gorm:"not null"`
	Host      string        `gorm:"not null"`
	Port      int           `gorm:"not null"`
	Path      string        `gorm:"not null"`
	Username  string

	// SecretCiphertext/SecretNonce/SecretKeyID/SecretVersion hold the
	// AES-256-GCM-encrypted credential blob (db.EncryptSecret); the
	// plaintext password never touches a column.
	SecretCiphertext []byte `gorm:"type:bytea"`
	SecretNonce      []byte `gorm:"type:bytea"`
	SecretKeyID      string
	SecretVersion    int

	Format      string          `gorm:"default:CSV_V1"`
	Compression CompressionKind `gorm:"default:NONE"`

	ScheduleFrequencyHours int
	ExpiryHours            int `gorm:"not null;default:72"`
	// ExpiryMaxDropFraction is how large a share of the source's active
	// products one run may let expire before the circuit breaker blocks
	// promotion.
	ExpiryMaxDropFraction float64 `gorm:"not null;default:0.5"`
	MaxFileSizeBytes       *int64
	MaxRowCount            *int

	NextRunAt          *time.Time
	ManualRunPending   bool
	ConsecutiveFailures int

	LastRemoteMtime  *time.Time
	LastRemoteSize   *int64
	LastContentHash  string

	// FeedLockID is the stable 64-bit key passed to pg_try_advisory_lock
	// so at most one run of this feed executes at a time.
	FeedLockID int64 `gorm:"uniqueIndex:idx_feeds_lock_id;not null"`

	Runs []FeedRun `gorm:"foreignKey:FeedID"`
}

// FeedRunTrigger identifies why a FeedRun was started.
type FeedRunTrigger string

const (
	TriggerScheduled     FeedRunTrigger = "SCHEDULED"
	TriggerManual        FeedRunTrigger = "MANUAL"
	TriggerManualPending FeedRunTrigger = "MANUAL_PENDING"
	TriggerAdminTest     FeedRunTrigger = "ADMIN_TEST"
	TriggerRetry         FeedRunTrigger = "RETRY"
)

// FeedRunStatus is the lifecycle state of a single ingestion attempt.
type FeedRunStatus string

const (
	FeedRunRunning   FeedRunStatus = "RUNNING"
	FeedRunSucceeded FeedRunStatus = "SUCCEEDED"
	FeedRunFailed    FeedRunStatus = "FAILED"
	FeedRunSkipped   FeedRunStatus = "SKIPPED"
)

// FailureKind is the coarse bucket for a FeedRun's terminal failure;
// FeedRun.FailureCode carries the specific constant.
type FailureKind string

const (
	FailureKindNone      FailureKind = ""
	FailureKindAuth      FailureKind = "AUTH"
	FailureKindTransport FailureKind = "TRANSPORT"
	FailureKindFileNotFound FailureKind = "FILE_NOT_FOUND"
	FailureKindFileTooLarge FailureKind = "FILE_TOO_LARGE"
	FailureKindTimeout   FailureKind = "TIMEOUT"
	FailureKindParse     FailureKind = "PARSE_ERROR"
	FailureKindTooManyRows FailureKind = "TOO_MANY_ROWS"
	FailureKindCircuitOpen FailureKind = "CIRCUIT_OPEN"
	FailureKindAdminReset  FailureKind = "ADMIN_RESET"
	FailureKindSystemError FailureKind = "SYSTEM_ERROR"
)

// FeedRun is one execution attempt of one Feed.
type FeedRun struct {
	gorm.Model
	FeedID  uint           `gorm:"not null;index"`
	Trigger FeedRunTrigger `gorm:"not null"`
	Status  FeedRunStatus  `gorm:"not null;default:RUNNING"`

	StartedAt  time.Time `gorm:"not null"`
	FinishedAt *time.Time

	RowsRead            int
	RowsParsed          int
	ProductsUpserted    int
	PricesWritten       int
	ProductsPromoted    int
	ProductsRejected    int
	DuplicateKeyCount   int
	URLHashFallbackCount int
	ErrorCount          int

	FailureKind    FailureKind `gorm:"default:''"`
	FailureCode    string
	FailureMessage string

	CorrelationID string `gorm:"index"`

	ExpiryBlocked       bool
	ExpiryBlockedReason string
	ExpiryApprovedAt    *time.Time
	ExpiryApprovedBy    string

	IgnoredAt     *time.Time
	IgnoredBy     string
	IgnoredReason string

	Errors []FeedRunError `gorm:"foreignKey:FeedRunID"`
}

// FeedRunError is one malformed-row record captured during parsing.
type FeedRunError struct {
	gorm.Model
	FeedRunID uint `gorm:"not null;index"`
	RowNumber int
	Code      string
	Message   string
	RawRow    string `gorm:"type:text"`
}

// IdentifierKind enumerates the recognized source-product identifier
// columns.
type IdentifierKind string

const (
	IdentifierUPC IdentifierKind = "UPC"
	IdentifierSKU IdentifierKind = "SKU"
	IdentifierASIN IdentifierKind = "ASIN"
	IdentifierMPN IdentifierKind = "MPN"
)

// SourceProductIdentifier is one (kind, value) row attached to a
// SourceProduct; a product may carry more than one of the same kind across
// re-ingests so rows are append/upsert by (sourceProductID, kind, value).
type SourceProductIdentifier struct {
	gorm.Model
	SourceProductID uint           `gorm:"not null;index"`
	Kind            IdentifierKind `gorm:"not null"`
	Value           string         `gorm:"not null"`
}

// SourceKind buckets a SourceProduct by the pipeline that ingested it.
// This is the only per-product dimension metrics are allowed to label by,
// so the value set stays closed.
type SourceKind string

const (
	SourceKindAffiliate SourceKind = "affiliate"
	SourceKindRetailer  SourceKind = "retailer"
	SourceKindUnknown   SourceKind = "unknown"
)

// SourceProduct is one row ingested from a feed.
type SourceProduct struct {
	gorm.Model
	SourceID      string     `gorm:"not null;index:idx_source_products_source_stable,unique"`
	StableKey     string     `gorm:"not null;index:idx_source_products_source_stable,unique"`
	Kind          SourceKind `gorm:"not null;default:unknown"`
	Title         string
	Brand         string
	URL           string
	NormalizedURL string

	Caliber     string
	GrainWeight *int
	RoundCount  *int

	NormalizedHash string

	// LastSeenSuccessAt is bumped by run promotion (ordinary success or
	// admin expiry approval); the expiry circuit breaker compares it
	// against Feed.ExpiryHours.
	LastSeenSuccessAt *time.Time

	Identifiers []SourceProductIdentifier `gorm:"foreignKey:SourceProductID"`
	Link        *ProductLink              `gorm:"foreignKey:SourceProductID"`
}

// Product is a canonical product identity shared across sources.
type Product struct {
	gorm.Model
	CanonicalKey string `gorm:"uniqueIndex;not null"`

	Name        string
	Category    string
	Brand       string
	BrandNorm   string
	Caliber     string
	CaliberNorm string
	GrainWeight *int
	RoundCount  *int
	UPCNorm     string
}

// ProductAlias is a directed `fromProductID -> toProductID` merge/deprecation
// edge; the resolver's alias walk (resolver/alias.go) follows these up to
// depth 10.
type ProductAlias struct {
	gorm.Model
	FromProductID uint `gorm:"uniqueIndex;not null"`
	ToProductID   uint `gorm:"not null"`
	Reason        string
}

// MatchType is how a ProductLink was established.
type MatchType string

const (
	MatchTypeUPC         MatchType = "UPC"
	MatchTypeFingerprint MatchType = "FINGERPRINT"
	MatchTypeManual      MatchType = "MANUAL"
	MatchTypeNone        MatchType = "NONE"
	MatchTypeError       MatchType = "ERROR"
)

// Strength orders match types for the relink-hysteresis comparison:
// UPC > FINGERPRINT > NONE > ERROR.
func (m MatchType) Strength() int {
	switch m {
	case MatchTypeUPC:
		return 3
	case MatchTypeFingerprint:
		return 2
	case MatchTypeNone:
		return 1
	case MatchTypeError:
		return 0
	default:
		return -1
	}
}

// LinkStatus is the outcome recorded on a ProductLink.
type LinkStatus string

const (
	LinkMatched     LinkStatus = "MATCHED"
	LinkCreated     LinkStatus = "CREATED"
	LinkNeedsReview LinkStatus = "NEEDS_REVIEW"
	LinkError       LinkStatus = "ERROR"
)

// ReasonCode is the bounded enum recorded on a ProductLink explaining its
// status.
type ReasonCode string

const (
	ReasonNone                    ReasonCode = ""
	ReasonInsufficientData        ReasonCode = "INSUFFICIENT_DATA"
	ReasonAmbiguousFingerprint    ReasonCode = "AMBIGUOUS_FINGERPRINT"
	ReasonUPCNotTrusted           ReasonCode = "UPC_NOT_TRUSTED"
	ReasonConflictingIdentifiers  ReasonCode = "CONFLICTING_IDENTIFIERS"
	ReasonRelinkBlockedHysteresis ReasonCode = "RELINK_BLOCKED_HYSTERESIS"
	ReasonManualLocked            ReasonCode = "MANUAL_LOCKED"
	ReasonSourceNotFound          ReasonCode = "SOURCE_NOT_FOUND"
	ReasonSystemError             ReasonCode = "SYSTEM_ERROR"
)

// ProductLink is the exactly-one-per-SourceProduct resolver decision.
type ProductLink struct {
	gorm.Model
	SourceProductID uint       `gorm:"uniqueIndex;not null"`
	ProductID       *uint      `gorm:"index"`
	MatchType       MatchType  `gorm:"not null"`
	Status          LinkStatus `gorm:"not null"`
	ReasonCode      ReasonCode
	Confidence      float64
	ResolverVersion string
	Evidence        []byte `gorm:"type:jsonb"`
	ResolvedAt      time.Time
}

// ResolveRequestStatus is the lifecycle state of a queued resolver job.
type ResolveRequestStatus string

const (
	ResolveRequestPending    ResolveRequestStatus = "PENDING"
	ResolveRequestProcessing ResolveRequestStatus = "PROCESSING"
	ResolveRequestCompleted  ResolveRequestStatus = "COMPLETED"
	ResolveRequestFailed     ResolveRequestStatus = "FAILED"
)

// ResolveTrigger is why a resolve job was enqueued.
type ResolveTrigger string

const (
	ResolveTriggerIngest    ResolveTrigger = "INGEST"
	ResolveTriggerReconcile ResolveTrigger = "RECONCILE"
	ResolveTriggerManual    ResolveTrigger = "MANUAL"
)

// ProductResolveRequest is the queued unit of resolver work; exactly one
// open request exists per SourceProduct at a time (enforced by the
// idempotency key and the worker's dedup, not a DB constraint on its own).
type ProductResolveRequest struct {
	gorm.Model
	IdempotencyKey  string               `gorm:"uniqueIndex;not null"`
	SourceProductID uint                 `gorm:"not null;index"`
	Status          ResolveRequestStatus `gorm:"not null;default:PENDING"`
	Attempts        int
	LastAttemptAt   *time.Time
	ErrorMessage    string
	ResultProductID *uint
}

// SourceProductSeen records the seen set of one FeedRun: every source
// product the run's file contained. The expiry circuit breaker computes
// its would-expire fraction from this set, and approveActivation promotes
// exactly this set when an admin overrides a blocked run.
type SourceProductSeen struct {
	gorm.Model
	FeedRunID       uint `gorm:"not null;index:idx_seen_run_product,unique"`
	SourceProductID uint `gorm:"not null;index:idx_seen_run_product,unique"`
}

// SourceTrustConfig records whether a source's UPC column is trusted; it is
// read through cache.TrustCache and mutated only via the admin surface's
// updateSourceTrustConfig, which bumps Version so cached copies know to
// refresh.
type SourceTrustConfig struct {
	gorm.Model
	SourceID   string `gorm:"uniqueIndex;not null"`
	UPCTrusted bool
	Version    int
}

// BrandAlias maps one normalized brand spelling to its canonical form.
type BrandAlias struct {
	gorm.Model
	FromNorm string `gorm:"uniqueIndex;not null"`
	ToNorm   string `gorm:"not null"`
	Hits     int64
}

// Setting is a global toggle (ALLOW_PLAIN_FTP,
// HARVESTER_SCHEDULER_ENABLED, AFFILIATE_SCHEDULER_ENABLED,
// AUTO_EMBEDDING_ENABLED). Stored as a flat key/bool table so admin actions can flip
// any of them without a restart.
type Setting struct {
	gorm.Model
	Key   string `gorm:"uniqueIndex;not null"`
	Value bool
}

// Well-known Setting keys.
const (
	SettingAllowPlainFTP             = "ALLOW_PLAIN_FTP"
	SettingHarvesterSchedulerEnabled = "HARVESTER_SCHEDULER_ENABLED"
	SettingAffiliateSchedulerEnabled = "AFFILIATE_SCHEDULER_ENABLED"
	SettingAutoEmbeddingEnabled      = "AUTO_EMBEDDING_ENABLED"
)

// AllModels lists every model AutoMigrate needs to create/update tables for.
func AllModels() []interface{} {
	return []interface{}{
		&Feed{},
		&FeedRun{},
		&FeedRunError{},
		&SourceProduct{},
		&SourceProductIdentifier{},
		&Product{},
		&ProductAlias{},
		&ProductLink{},
		&ProductResolveRequest{},
		&SourceProductSeen{},
		&SourceTrustConfig{},
		&BrandAlias{},
		&Setting{},
	}
}
