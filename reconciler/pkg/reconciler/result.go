package reconciler

import (
	"time"

	"github.com/malbeclabs/dimlake/reconciler/pkg/scd2"
)

type Outcome string

const (
	OutcomeBootstrapped Outcome = "bootstrapped"
	OutcomeMerged       Outcome = "merged"
	OutcomeNoop         Outcome = "noop"
	OutcomeAborted      Outcome = "aborted"
)

// Reasons attached to noop and aborted runs.
const (
	ReasonNoChanges          = "no_changes"
	ReasonAllMalformed       = "all_rows_malformed"
	ReasonLocked             = "locked"
	ReasonBootstrapMissing   = "bootstrap_missing"
	ReasonInvariantViolation = "invariant_violation"
	ReasonSourceFailure      = "source_failure"
	ReasonStorageFailure     = "storage_failure"
	ReasonCancelled          = "cancelled"
	// ReasonAlreadyApplied marks a noop whose batch objects were already
	// part of the committed snapshot.
	ReasonAlreadyApplied = "already_applied"
)

// Trigger names what started a run.
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerSchedule Trigger = "schedule"
	TriggerHTTP     Trigger = "http"
)

// Result describes one finished run.
type Result struct {
	RunID      string    `json:"run_id"`
	TableID    string    `json:"table_id"`
	Trigger    Trigger   `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
	Error   string  `json:"error,omitempty"`
	// ViolationKeys lists the offending keys of an invariant violation.
	ViolationKeys []string `json:"violation_keys,omitempty"`
	// AckFailed is set when a batch could not be acknowledged. The outcome
	// is unaffected and Error carries the failure.
	AckFailed bool `json:"ack_failed"`
	// ReplayedObjects counts batch objects skipped because the committed
	// snapshot already reflected them.
	ReplayedObjects int `json:"replayed_objects"`

	Bootstrapped bool                `json:"bootstrapped"`
	FullLoad     scd2.NormalizeStats `json:"full_load"`
	Bootstrap    scd2.BootstrapStats `json:"bootstrap"`
	CDC          scd2.NormalizeStats `json:"cdc"`
	Dedup        scd2.DedupStats     `json:"dedup"`
	Merge        scd2.MergeCounts    `json:"merge"`

	SnapshotVersion string `json:"snapshot_version,omitempty"`
	SnapshotRows    int    `json:"snapshot_rows"`
}

func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Committed reports whether the run wrote a new snapshot version.
func (r *Result) Committed() bool {
	return r.SnapshotVersion != ""
}
