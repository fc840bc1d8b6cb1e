package importer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/JonMunkholm/knximport/internal/knxproj"
)

// Status is the lifecycle state of an import job.
type Status string

const (
	StatusAnalyzing       Status = "analyzing"
	StatusWaitingForInput Status = "waiting_for_input"
	StatusImporting       Status = "importing"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepType identifies one stage of the import pipeline. Steps are listed in
// pipeline order.
type StepType int

const (
	StepUploadFile StepType = iota
	StepOpenArchive
	StepDetectFeatures
	StepCheckPassword
	StepParseGroupAddresses
	StepParseDevices
	StepProcessSecurity
	StepValidate
	StepSave
	StepRefreshCache

	stepCount
)

var stepNames = [stepCount]string{
	StepUploadFile:          "upload_file",
	StepOpenArchive:         "open_archive",
	StepDetectFeatures:      "detect_features",
	StepCheckPassword:       "check_password",
	StepParseGroupAddresses: "parse_group_addresses",
	StepParseDevices:        "parse_devices",
	StepProcessSecurity:     "process_security",
	StepValidate:            "validate",
	StepSave:                "save",
	StepRefreshCache:        "refresh_cache",
}

func (t StepType) String() string {
	if t < 0 || t >= stepCount {
		return fmt.Sprintf("step(%d)", int(t))
	}
	return stepNames[t]
}

func (t StepType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// StepStatus is the state of a single step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// Step records the progress of one pipeline stage. EndTime is set exactly
// when the step is completed or failed.
type Step struct {
	Type      StepType   `json:"type"`
	Status    StepStatus `json:"status"`
	Progress  int        `json:"progress"`
	StartTime *time.Time `json:"startTime,omitempty"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// RequirementType names an input a job may need before it can import.
type RequirementType int

const (
	RequireArchivePassword RequirementType = iota
	RequireKeyringFile
	RequireKeyringPassword

	requirementCount
)

var requirementNames = [requirementCount]string{
	RequireArchivePassword: "archive_password",
	RequireKeyringFile:     "keyring_file",
	RequireKeyringPassword: "keyring_password",
}

var requirementPrompts = [requirementCount]string{
	RequireArchivePassword: "The project is password protected. Enter the project password.",
	RequireKeyringFile:     "The project contains secured devices. Upload the keyring file exported with it.",
	RequireKeyringPassword: "Enter the password of the keyring file.",
}

func (t RequirementType) String() string {
	if t < 0 || t >= requirementCount {
		return fmt.Sprintf("requirement(%d)", int(t))
	}
	return requirementNames[t]
}

// IsPassword reports whether the requirement value is a secret checked by
// decryption.
func (t RequirementType) IsPassword() bool {
	return t == RequireArchivePassword || t == RequireKeyringPassword
}

func (t RequirementType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *RequirementType) UnmarshalText(b []byte) error {
	parsed, err := ParseRequirementType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseRequirementType resolves a requirement type by name.
func ParseRequirementType(s string) (RequirementType, error) {
	for i, name := range requirementNames {
		if name == s {
			return RequirementType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown requirement type %q", ErrInvalidInput, s)
}

// Requirement is an input the job is waiting for. RemainingAttempts only
// counts down for password requirements.
type Requirement struct {
	Type              RequirementType `json:"type"`
	Prompt            string          `json:"prompt"`
	Fulfilled         bool            `json:"fulfilled"`
	RemainingAttempts int             `json:"remainingAttempts"`
}

// RequirementSet holds at most one requirement per type.
type RequirementSet struct {
	slots [requirementCount]struct {
		present bool
		req     Requirement
	}
}

// Add stores r unless a requirement of the same type already exists.
func (s *RequirementSet) Add(r Requirement) bool {
	if r.Type < 0 || r.Type >= requirementCount || s.slots[r.Type].present {
		return false
	}
	s.slots[r.Type].present = true
	s.slots[r.Type].req = r
	return true
}

// Get returns the requirement of type t.
func (s RequirementSet) Get(t RequirementType) (Requirement, bool) {
	if t < 0 || t >= requirementCount || !s.slots[t].present {
		return Requirement{}, false
	}
	return s.slots[t].req, true
}

func (s *RequirementSet) update(t RequirementType, fn func(*Requirement)) bool {
	if t < 0 || t >= requirementCount || !s.slots[t].present {
		return false
	}
	fn(&s.slots[t].req)
	return true
}

// All returns the requirements in type order.
func (s *RequirementSet) All() []Requirement {
	out := make([]Requirement, 0, requirementCount)
	for _, slot := range s.slots {
		if slot.present {
			out = append(out, slot.req)
		}
	}
	return out
}

// Len returns the number of requirements.
func (s *RequirementSet) Len() int {
	n := 0
	for _, slot := range s.slots {
		if slot.present {
			n++
		}
	}
	return n
}

// AllFulfilled reports whether every requirement has a value. An empty set
// is fulfilled.
func (s *RequirementSet) AllFulfilled() bool {
	for _, slot := range s.slots {
		if slot.present && !slot.req.Fulfilled {
			return false
		}
	}
	return true
}

func (s RequirementSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.All())
}

func (s *RequirementSet) UnmarshalJSON(b []byte) error {
	var reqs []Requirement
	if err := json.Unmarshal(b, &reqs); err != nil {
		return err
	}
	*s = RequirementSet{}
	for _, r := range reqs {
		s.Add(r)
	}
	return nil
}

// Result summarizes a completed import.
type Result struct {
	ProjectID         int64                 `json:"projectId"`
	ProjectName       string                `json:"projectName"`
	GroupAddressCount int                   `json:"groupAddressCount"`
	DeviceCount       int                   `json:"deviceCount"`
	FormatVersion     knxproj.FormatVersion `json:"formatVersion"`
	HasSecureDevices  bool                  `json:"hasSecureDevices"`
	SecureKeyCount    int                   `json:"secureKeyCount"`
}

// Job is a snapshot of an import job.
type Job struct {
	ID           string         `json:"id"`
	FileName     string         `json:"fileName"`
	Status       Status         `json:"status"`
	Progress     int            `json:"progress"`
	Steps        []Step         `json:"steps"`
	Requirements RequirementSet `json:"requirements"`
	CreatedAt    time.Time      `json:"createdAt"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
	Error        string         `json:"error,omitempty"`
	Result       *Result        `json:"result,omitempty"`
}

// Step returns the record for step t.
func (j Job) Step(t StepType) Step {
	if t < 0 || int(t) >= len(j.Steps) {
		return Step{Type: t}
	}
	return j.Steps[t]
}

// Clone returns a deep copy.
func (j Job) Clone() Job {
	out := j
	out.Steps = make([]Step, len(j.Steps))
	for i, s := range j.Steps {
		s.StartTime = cloneTime(s.StartTime)
		s.EndTime = cloneTime(s.EndTime)
		out.Steps[i] = s
	}
	out.CompletedAt = cloneTime(j.CompletedAt)
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func newSteps() []Step {
	steps := make([]Step, stepCount)
	for i := range steps {
		steps[i] = Step{Type: StepType(i), Status: StepPending}
	}
	return steps
}

// ImportContext is the accumulated state of a job between runs. It is a
// plain snapshot: the orchestrator rebuilds it from the registry on every
// resume and never keeps one across runs.
type ImportContext struct {
	JobID           string            `json:"jobId"`
	FileName        string            `json:"fileName"`
	Data            []byte            `json:"-"`
	ArchivePassword string            `json:"archivePassword,omitempty"`
	KeyringData     []byte            `json:"keyringData,omitempty"`
	KeyringPassword string            `json:"keyringPassword,omitempty"`
	Features        *knxproj.Features `json:"features,omitempty"`

	Progress func(step StepType, percent int) `json:"-"`
}

func (c ImportContext) clone() ImportContext {
	out := c
	out.Data = nil
	out.Progress = nil
	if c.KeyringData != nil {
		out.KeyringData = append([]byte(nil), c.KeyringData...)
	}
	if c.Features != nil {
		f := *c.Features
		out.Features = &f
	}
	return out
}
