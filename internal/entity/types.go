package entity

import "time"

// SensitiveType identifies a category of personally identifying information.
// The set is closed: detectors and configuration may only reference values
// defined here.
type SensitiveType string

const (
	TypeName                SensitiveType = "name"
	TypeDate                SensitiveType = "date"
	TypePhone               SensitiveType = "phone"
	TypeEmail               SensitiveType = "email"
	TypeAddress             SensitiveType = "address"
	TypeIDNumber            SensitiveType = "id_number"
	TypeMedicalRecordNumber SensitiveType = "medical_record_number"
	TypeAgeOverThreshold    SensitiveType = "age_over_threshold"
	TypeLocation            SensitiveType = "location"
	TypeAccount             SensitiveType = "account"
	TypeDeviceID            SensitiveType = "device_id"
	TypeURL                 SensitiveType = "url"
	TypeIP                  SensitiveType = "ip"
	TypeBiometric           SensitiveType = "biometric"
	TypePhoto               SensitiveType = "photo"
)

// AllSensitiveTypes lists every known sensitive type.
func AllSensitiveTypes() []SensitiveType {
	return []SensitiveType{
		TypeName, TypeDate, TypePhone, TypeEmail, TypeAddress,
		TypeIDNumber, TypeMedicalRecordNumber, TypeAgeOverThreshold,
		TypeLocation, TypeAccount, TypeDeviceID, TypeURL, TypeIP,
		TypeBiometric, TypePhoto,
	}
}

// Valid reports whether t is one of the known sensitive types.
func (t SensitiveType) Valid() bool {
	for _, known := range AllSensitiveTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// StrategyType identifies a masking behavior. It is a first-class domain
// concept shared by the strategy registry, configuration, and the pipeline.
type StrategyType string

const (
	StrategyRedact       StrategyType = "redact"
	StrategyGeneralize   StrategyType = "generalize"
	StrategyPseudonymize StrategyType = "pseudonymize"
	StrategyDateShift    StrategyType = "date_shift"
	StrategyPartialMask  StrategyType = "partial_mask"
	StrategySuppress     StrategyType = "suppress"
)

// ParseStrategy converts a configured strategy name into a StrategyType.
// Unknown names are rejected here so that bad configuration fails at load
// time, not at apply time.
func ParseStrategy(name string) (StrategyType, error) {
	switch StrategyType(name) {
	case StrategyRedact, StrategyGeneralize, StrategyPseudonymize,
		StrategyDateShift, StrategyPartialMask, StrategySuppress:
		return StrategyType(name), nil
	}
	return "", &UnsupportedStrategyError{Strategy: name}
}

// DetectedEntity is a located, typed, confidence-scored span of text
// believed to contain PII. Offsets index into the raw document text.
type DetectedEntity struct {
	Type             SensitiveType `json:"type"`
	Text             string        `json:"text"`
	Start            int           `json:"start"`
	End              int           `json:"end"`
	Confidence       float64       `json:"confidence"`
	Rationale        string        `json:"rationale,omitempty"`
	SourceRegulation string        `json:"source_regulation,omitempty"`
}

// NewDetectedEntity builds a DetectedEntity and validates its span against
// the document length. Offsets must satisfy 0 <= start < end <= docLen and
// confidence must lie in [0,1].
func NewDetectedEntity(t SensitiveType, text string, start, end int, confidence float64, docLen int) (DetectedEntity, error) {
	e := DetectedEntity{
		Type:       t,
		Text:       text,
		Start:      start,
		End:        end,
		Confidence: confidence,
	}
	if err := e.Validate(docLen); err != nil {
		return DetectedEntity{}, err
	}
	return e, nil
}

// Validate checks the span invariants against the given document length.
func (e DetectedEntity) Validate(docLen int) error {
	if e.Start < 0 || e.End <= e.Start || e.End > docLen {
		return &InvalidSpanError{
			Type:   e.Type,
			Start:  e.Start,
			End:    e.End,
			DocLen: docLen,
			Reason: "offsets out of bounds or reversed",
		}
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return &InvalidSpanError{
			Type:   e.Type,
			Start:  e.Start,
			End:    e.End,
			DocLen: docLen,
			Reason: "confidence outside [0,1]",
		}
	}
	return nil
}

// Overlaps reports whether two spans intersect.
func (e DetectedEntity) Overlaps(other DetectedEntity) bool {
	return e.Start < other.End && other.Start < e.End
}

// Length returns the span length in bytes.
func (e DetectedEntity) Length() int {
	return e.End - e.Start
}

// StrategyParams carries optional caller-supplied parameters for a strategy.
type StrategyParams struct {
	Replacement string `json:"replacement,omitempty"`
	KeepPrefix  int    `json:"keep_prefix,omitempty"`
	KeepSuffix  int    `json:"keep_suffix,omitempty"`
	MaskChar    string `json:"mask_char,omitempty"`
}

// TypePolicy is the per-SensitiveType masking override in a MaskingConfig.
type TypePolicy struct {
	Enabled  bool           `json:"enabled"`
	Strategy StrategyType   `json:"strategy"`
	Params   StrategyParams `json:"params"`
}

// CustomPattern is a user-supplied regex detector that supplements the
// model-backed detector.
type CustomPattern struct {
	Name    string        `json:"name"`
	Pattern string        `json:"pattern"`
	Type    SensitiveType `json:"type"`
}

// MaskingConfig is the per-job de-identification configuration. It is
// snapshotted at job submission and never mutated while the job runs;
// configuration edits only affect future jobs.
type MaskingConfig struct {
	Enabled         bool                         `json:"enabled"`
	StrictMode      bool                         `json:"strict_mode"`
	DefaultStrategy StrategyType                 `json:"default_strategy"`
	AgeThreshold    int                          `json:"age_threshold"`
	PreserveFormat  bool                         `json:"preserve_format"`
	Policies        map[SensitiveType]TypePolicy `json:"policies"`
	CustomPatterns  []CustomPattern              `json:"custom_patterns"`
}

// DefaultMaskingConfig returns the baseline configuration: everything
// enabled, redact by default, ages generalized, HIPAA age threshold.
func DefaultMaskingConfig() MaskingConfig {
	return MaskingConfig{
		Enabled:         true,
		DefaultStrategy: StrategyRedact,
		AgeThreshold:    89,
		Policies: map[SensitiveType]TypePolicy{
			TypeAgeOverThreshold: {Enabled: true, Strategy: StrategyGeneralize},
			TypeDate:             {Enabled: true, Strategy: StrategyDateShift},
		},
	}
}

// Clone returns a deep copy suitable for use as an immutable job snapshot.
func (c MaskingConfig) Clone() MaskingConfig {
	out := c
	out.Policies = make(map[SensitiveType]TypePolicy, len(c.Policies))
	for k, v := range c.Policies {
		out.Policies[k] = v
	}
	out.CustomPatterns = append([]CustomPattern(nil), c.CustomPatterns...)
	return out
}

// TypeEnabled reports whether entities of the given type should be masked.
// Types without an explicit policy are enabled.
func (c MaskingConfig) TypeEnabled(t SensitiveType) bool {
	if policy, ok := c.Policies[t]; ok {
		return policy.Enabled
	}
	return true
}

// StrategyFor resolves the strategy and parameters for a type: per-type
// override, then the job default, then redact.
func (c MaskingConfig) StrategyFor(t SensitiveType) (StrategyType, StrategyParams) {
	if policy, ok := c.Policies[t]; ok && policy.Strategy != "" {
		return policy.Strategy, policy.Params
	}
	if c.DefaultStrategy != "" {
		return c.DefaultStrategy, StrategyParams{}
	}
	return StrategyRedact, StrategyParams{}
}

// DocumentStatus is the terminal outcome of processing one document.
type DocumentStatus string

const (
	DocumentSucceeded DocumentStatus = "succeeded"
	DocumentFailed    DocumentStatus = "failed"
)

// LedgerEntry records one masked entity in the job's audit ledger.
type LedgerEntry struct {
	DocumentID string         `json:"document_id"`
	Entity     DetectedEntity `json:"entity"`
	Strategy   StrategyType   `json:"strategy"`
	Surrogate  string         `json:"surrogate"`
}

// DocumentResult is the per-document processing outcome.
type DocumentResult struct {
	DocumentID string           `json:"document_id"`
	Filename   string           `json:"filename"`
	Status     DocumentStatus   `json:"status"`
	Error      string           `json:"error,omitempty"`
	Entities   []LedgerEntry    `json:"entities"`
	MaskedText string           `json:"masked_text"`
	Excerpt    string           `json:"original_text_excerpt,omitempty"`
	OutputPath string           `json:"output_location,omitempty"`
	Chars      int              `json:"chars"`
}

// JobSummary aggregates per-document results into the job-level report.
type JobSummary struct {
	JobID            string                `json:"job_id"`
	Documents        []DocumentResult      `json:"documents"`
	CountsByType     map[SensitiveType]int `json:"counts_by_type"`
	CountsByStrategy map[StrategyType]int  `json:"counts_by_strategy"`
	TotalEntities    int                   `json:"total_entities"`
	Succeeded        int                   `json:"succeeded"`
	Failed           int                   `json:"failed"`
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobState is the mutable progress record for one job. It is written only
// by the goroutine executing the job; readers get eventually consistent
// snapshots.
type JobState struct {
	JobID            string     `json:"job_id" db:"job_id"`
	Status           JobStatus  `json:"status" db:"status"`
	Progress         float64    `json:"progress" db:"progress"`
	Message          string     `json:"message" db:"message"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	ElapsedSeconds   float64    `json:"elapsed_seconds" db:"elapsed_seconds"`
	RemainingSeconds *float64   `json:"estimated_remaining_seconds,omitempty" db:"remaining_seconds"`
	ThroughputCPS    float64    `json:"throughput_cps" db:"throughput_cps"`
	TotalChars       int64      `json:"total_chars" db:"total_chars"`
	ProcessedChars   int64      `json:"processed_chars" db:"processed_chars"`
	DocumentIDs      []string   `json:"document_ids" db:"-"`
}
