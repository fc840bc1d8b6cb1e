package importer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/JonMunkholm/knximport/internal/knxproj"
	"github.com/JonMunkholm/knximport/internal/logging"
)

// FeatureDetector classifies an uploaded archive.
type FeatureDetector interface {
	Detect(data []byte) (knxproj.Features, error)
}

// ArchiveResolver opens the working archive of an upload.
type ArchiveResolver interface {
	Open(data []byte, nested, password string) (*knxproj.Workspace, error)
}

// KeyringResolver maps device addresses to tool keys.
type KeyringResolver interface {
	Resolve(data []byte, password string) (map[string]string, error)
}

// ProjectParser extracts entities from a working archive.
type ProjectParser interface {
	Parse(ctx context.Context, ws *knxproj.Workspace, projectID int64, progress knxproj.ProgressFunc) (*knxproj.ProjectData, error)
}

// ProjectStore persists imported projects.
type ProjectStore interface {
	CreateProject(ctx context.Context, name string) (int64, error)
	SaveEntities(ctx context.Context, projectID int64, data *knxproj.ProjectData) error
	DeleteProject(ctx context.Context, projectID int64) error
}

// AttemptsPolicy decides what happens when a password requirement runs out
// of attempts.
type AttemptsPolicy string

const (
	// AttemptsAdvisory keeps the job waiting; the counter is informational.
	AttemptsAdvisory AttemptsPolicy = "advisory"
	// AttemptsFail fails the job once the counter reaches zero.
	AttemptsFail AttemptsPolicy = "fail"
)

// ParseAttemptsPolicy resolves a policy name.
func ParseAttemptsPolicy(s string) (AttemptsPolicy, error) {
	switch p := AttemptsPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case AttemptsAdvisory, AttemptsFail:
		return p, nil
	case "":
		return AttemptsAdvisory, nil
	}
	return "", fmt.Errorf("unknown attempts policy %q", s)
}

const (
	DefaultPasswordAttempts = 3
	DefaultRunTimeout       = 10 * time.Minute
)

// Options tunes a Service. Zero values select the defaults.
type Options struct {
	PasswordAttempts int
	AttemptsPolicy   AttemptsPolicy
	RunTimeout       time.Duration
	MaxConcurrent    int
	MaxWait          time.Duration
}

// Input supplies the value of one requirement. For RequireKeyringFile the
// value is the base64-encoded keyring file.
type Input struct {
	Type  RequirementType `json:"type"`
	Value string          `json:"value"`
}

// Service runs import jobs. Each analysis and each resumption executes in
// its own goroutine; the registry is the only state shared between them.
type Service struct {
	registry *Registry
	store    ProjectStore
	limiter  *RunLimiter
	opts     Options

	detector FeatureDetector
	resolver ArchiveResolver
	keyring  KeyringResolver
	parser   ProjectParser

	mu   sync.Mutex
	runs map[string]run
	seq  uint64
	wg   sync.WaitGroup
}

type run struct {
	token  uint64
	cancel context.CancelFunc
}

// NewService creates a Service persisting through store.
func NewService(store ProjectStore, opts Options) *Service {
	if opts.PasswordAttempts <= 0 {
		opts.PasswordAttempts = DefaultPasswordAttempts
	}
	if opts.AttemptsPolicy == "" {
		opts.AttemptsPolicy = AttemptsAdvisory
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}

	return &Service{
		registry: NewRegistry(),
		store:    store,
		limiter:  NewRunLimiter(opts.MaxConcurrent, opts.MaxWait),
		opts:     opts,
		detector: knxproj.Detector{},
		resolver: knxproj.Resolver{},
		keyring:  knxproj.KeyringResolver{},
		parser:   knxproj.Parser{},
		runs:     make(map[string]run),
	}
}

// Start registers a job for the uploaded file and begins analysis. The
// returned snapshot is taken before analysis runs.
func (s *Service) Start(ctx context.Context, fileName string, data []byte) (Job, error) {
	if len(data) == 0 {
		return Job{}, ErrEmptyFile
	}
	if err := s.limiter.Acquire(ctx); err != nil {
		return Job{}, err
	}

	job := s.registry.Create(fileName, data)
	logging.WithFields(ctx, "job_id", job.ID, "file", fileName).
		Info("import job created", "bytes", len(data))

	s.spawn(job.ID, s.analyze)
	return job, nil
}

// Job returns a snapshot of a job.
func (s *Service) Job(id string) (Job, bool) {
	return s.registry.Get(id)
}

// Jobs returns snapshots of all jobs, newest first.
func (s *Service) Jobs() []Job {
	return s.registry.List()
}

// ProvideInput stores the value of one requirement. Once every requirement
// is fulfilled the import resumes in the background. The returned error only
// concerns acceptance of the input; callers poll the job for the outcome.
func (s *Service) ProvideInput(ctx context.Context, id string, in Input) error {
	job, ok := s.registry.Get(id)
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != StatusWaitingForInput {
		return fmt.Errorf("%w: status is %s", ErrNotWaiting, job.Status)
	}
	req, ok := job.Requirements.Get(in.Type)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRequirementNotRequested, in.Type)
	}

	apply, err := decodeInput(in)
	if err != nil {
		return err
	}
	prev, _ := s.registry.Context(id)
	if err := s.registry.UpdateContext(id, apply); err != nil {
		return err
	}
	all, err := s.registry.FulfillRequirement(id, in.Type)
	if err != nil {
		return err
	}

	logging.WithFields(ctx, "job_id", id).
		Info("import input accepted", "requirement", in.Type, "all_fulfilled", all)

	if !all {
		return nil
	}
	if err := s.resume(ctx, id); err != nil {
		// The job stays waiting, so the caller can offer the input again.
		_ = s.registry.UpdateContext(id, restoreInput(in.Type, prev))
		if !req.Fulfilled {
			_ = s.registry.UnfulfillRequirement(id, in.Type)
		}
		return err
	}
	return nil
}

// Cancel marks a job cancelled and stops its run before the next stage.
func (s *Service) Cancel(id string) error {
	if err := s.registry.Cancel(id); err != nil {
		return err
	}
	s.cancelRun(id)
	s.jobLogger(id).Info("import cancelled")
	return nil
}

// Release removes a job and everything stored for it.
func (s *Service) Release(id string) error {
	s.cancelRun(id)
	if !s.registry.Remove(id) {
		return ErrJobNotFound
	}
	s.jobLogger(id).Info("import job released")
	return nil
}

// Wait blocks until all runs have returned. If ctx ends first the remaining
// runs are cancelled.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for _, r := range s.runs {
			r.cancel()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// LimiterStatus reports run slot usage.
func (s *Service) LimiterStatus() RunLimiterStatus {
	return s.limiter.Status()
}

func (s *Service) resume(ctx context.Context, id string) error {
	if err := s.limiter.Acquire(ctx); err != nil {
		return err
	}
	if err := s.registry.BeginImport(id); err != nil {
		s.limiter.Release()
		if errors.Is(err, ErrRunInFlight) {
			return nil
		}
		return err
	}

	s.jobLogger(id).Info("import resumed")
	s.spawn(id, s.importProject)
	return nil
}

// spawn runs fn in a tracked goroutine holding a limiter slot acquired by
// the caller.
func (s *Service) spawn(id string, fn func(ctx context.Context, id string)) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.RunTimeout)

	s.mu.Lock()
	s.seq++
	token := s.seq
	s.runs[id] = run{token: token, cancel: cancel}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.limiter.Release()
		defer func() {
			cancel()
			s.mu.Lock()
			if r, ok := s.runs[id]; ok && r.token == token {
				delete(s.runs, id)
			}
			s.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				logger := s.jobLogger(id)
				logger.Error("panic in import run", "panic", r)
				s.fail(id, logger, fmt.Errorf("internal error: %v", r))
			}
		}()

		fn(ctx, id)
	}()
}

func (s *Service) cancelRun(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[id]; ok {
		r.cancel()
	}
}

// analyze detects what the upload needs and either parks the job for input
// or continues straight into the import.
func (s *Service) analyze(ctx context.Context, id string) {
	logger := s.jobLogger(id)

	data, ok := s.registry.Data(id)
	if !ok {
		return
	}

	s.step(id, StepOpenArchive, StepInProgress, 0)
	features, err := s.detector.Detect(data)
	if err != nil {
		s.fail(id, logger, err)
		return
	}
	s.step(id, StepOpenArchive, StepCompleted, 100)

	s.step(id, StepDetectFeatures, StepInProgress, 0)
	if err := s.registry.StoreFeatures(id, features); err != nil {
		return
	}
	if err := s.registry.UpdateContext(id, func(c *ImportContext) { c.Features = &features }); err != nil {
		return
	}
	s.step(id, StepDetectFeatures, StepCompleted, 100)

	logger.Info("import features detected",
		"format", features.FormatVersion,
		"password_protected", features.PasswordProtected,
		"secure_devices", features.HasSecureDevices,
		"requires_keyring", features.RequiresKeyring,
	)

	var needs []RequirementType
	if features.PasswordProtected {
		needs = append(needs, RequireArchivePassword)
	}
	if features.RequiresKeyring {
		needs = append(needs, RequireKeyringFile, RequireKeyringPassword)
	}
	for _, t := range needs {
		req := Requirement{Type: t, Prompt: requirementPrompts[t]}
		if t.IsPassword() {
			req.RemainingAttempts = s.opts.PasswordAttempts
		}
		if err := s.registry.AddRequirement(id, req); err != nil {
			return
		}
	}

	if s.stopped(ctx, id, logger) {
		return
	}

	if len(needs) > 0 {
		if err := s.registry.Park(id); err == nil {
			logger.Info("import waiting for input", "requirements", len(needs))
		}
		return
	}

	if err := s.registry.UpdateStatus(id, StatusImporting); err != nil {
		return
	}
	s.importProject(ctx, id)
}

// importProject runs the import stages against the context accumulated in
// the registry.
func (s *Service) importProject(ctx context.Context, id string) {
	logger := s.jobLogger(id)

	ic, err := s.loadContext(id)
	if err != nil {
		s.fail(id, logger, err)
		return
	}
	ic.Progress = func(step StepType, percent int) {
		status := StepInProgress
		if percent >= 100 {
			status = StepCompleted
		}
		s.step(id, step, status, percent)
	}

	features := knxproj.Features{FormatVersion: knxproj.FormatUnknown}
	if ic.Features != nil {
		features = *ic.Features
	}

	ic.Progress(StepCheckPassword, 0)
	ws, err := s.resolver.Open(ic.Data, features.NestedArchive, ic.ArchivePassword)
	switch {
	case errors.Is(err, knxproj.ErrDecryptionFailed):
		s.rejectPassword(id, logger, RequireArchivePassword, err)
		return
	case err != nil:
		s.fail(id, logger, err)
		return
	}
	defer ws.Close()
	ic.Progress(StepCheckPassword, 100)

	keys := map[string]string{}
	if len(ic.KeyringData) > 0 {
		keys, err = s.keyring.Resolve(ic.KeyringData, ic.KeyringPassword)
		switch {
		case errors.Is(err, knxproj.ErrKeyringPassword):
			s.rejectPassword(id, logger, RequireKeyringPassword, err)
			return
		case err != nil:
			logger.Warn("keyring partially unreadable", "error", err, "keys", len(keys))
		}
	}

	if s.stopped(ctx, id, logger) {
		return
	}

	name := projectName(ic.FileName)
	projectID, err := s.store.CreateProject(ctx, name)
	if err != nil {
		s.fail(id, logger, fmt.Errorf("create project: %w", err))
		return
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if err := s.store.DeleteProject(context.WithoutCancel(ctx), projectID); err != nil {
			logger.Warn("failed to release reserved project", "project_id", projectID, "error", err)
		}
	}()

	data, err := s.parser.Parse(ctx, ws, projectID, func(stage knxproj.Stage, percent int) {
		ic.Progress(stageStep(stage), percent)
	})
	if err != nil {
		if s.stopped(ctx, id, logger) {
			return
		}
		s.fail(id, logger, err)
		return
	}

	ic.Progress(StepProcessSecurity, 0)
	secured := data.ApplyKeys(keys)
	ic.Progress(StepProcessSecurity, 100)

	ic.Progress(StepValidate, 0)
	if invalid := countInvalidAddresses(data); invalid > 0 {
		logger.Warn("entities with non-standard addresses", "count", invalid)
	}
	ic.Progress(StepValidate, 100)

	if s.stopped(ctx, id, logger) {
		return
	}

	ic.Progress(StepSave, 0)
	if err := s.store.SaveEntities(ctx, projectID, data); err != nil {
		if s.stopped(ctx, id, logger) {
			return
		}
		s.fail(id, logger, fmt.Errorf("save project: %w", err))
		return
	}
	ic.Progress(StepSave, 100)
	ic.Progress(StepRefreshCache, 100)

	result := Result{
		ProjectID:         projectID,
		ProjectName:       name,
		GroupAddressCount: len(data.GroupAddresses),
		DeviceCount:       len(data.Devices),
		FormatVersion:     features.FormatVersion,
		HasSecureDevices:  features.HasSecureDevices,
		SecureKeyCount:    secured,
	}
	if err := s.registry.Complete(id, result); err != nil {
		logger.Info("import finished after job was closed", "error", err)
		return
	}
	committed = true

	logger.Info("import completed",
		"project_id", projectID,
		"group_addresses", result.GroupAddressCount,
		"devices", result.DeviceCount,
		"secured_devices", secured,
	)
}

// loadContext rebuilds the working context of a job from the registry.
func (s *Service) loadContext(id string) (ImportContext, error) {
	ic, ok := s.registry.Context(id)
	if !ok {
		return ImportContext{}, ErrJobNotFound
	}
	data, ok := s.registry.Data(id)
	if !ok {
		return ImportContext{}, ErrJobNotFound
	}
	ic.Data = data
	if ic.Features == nil {
		if f, ok := s.registry.Features(id); ok {
			ic.Features = &f
		}
	}
	return ic, nil
}

// rejectPassword returns a job to WaitingForInput after a password proved
// wrong.
func (s *Service) rejectPassword(id string, logger *slog.Logger, t RequirementType, cause error) {
	remaining, err := s.registry.RejectRequirement(id, t)
	if err != nil {
		s.fail(id, logger, cause)
		return
	}

	step := StepCheckPassword
	if t == RequireKeyringPassword {
		step = StepProcessSecurity
	}
	_ = s.registry.UpdateStep(id, step, StepFailed, 0, cause.Error())

	logger.Warn("import password rejected", "requirement", t, "remaining_attempts", remaining)

	if remaining == 0 && s.opts.AttemptsPolicy == AttemptsFail {
		s.fail(id, logger, fmt.Errorf("%w: %s", ErrAttemptsExhausted, t))
		return
	}
	if err := s.registry.Park(id); err == nil {
		logger.Info("import waiting for input", "requirement", t)
	}
}

// stopped reports whether the run context ended. A deadline fails the job;
// a cancellation leaves the status to whoever cancelled.
func (s *Service) stopped(ctx context.Context, id string, logger *slog.Logger) bool {
	err := ctx.Err()
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		s.fail(id, logger, fmt.Errorf("import timed out: %w", err))
		return true
	}
	logger.Info("import run stopped")
	return true
}

func (s *Service) fail(id string, logger *slog.Logger, err error) {
	if ferr := s.registry.Fail(id, err.Error()); ferr != nil {
		logger.Debug("failure after job was closed", "error", err)
		return
	}
	logger.Error("import failed", "error", err)
}

func (s *Service) step(id string, t StepType, status StepStatus, percent int) {
	_ = s.registry.UpdateStep(id, t, status, percent, "")
}

func (s *Service) jobLogger(id string) *slog.Logger {
	return logging.WithFields(context.Background(), "job_id", id)
}

func decodeInput(in Input) (func(*ImportContext), error) {
	if in.Value == "" {
		return nil, fmt.Errorf("%w: empty value for %s", ErrInvalidInput, in.Type)
	}

	switch in.Type {
	case RequireArchivePassword:
		return func(c *ImportContext) { c.ArchivePassword = in.Value }, nil
	case RequireKeyringPassword:
		return func(c *ImportContext) { c.KeyringPassword = in.Value }, nil
	case RequireKeyringFile:
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(in.Value))
		if err != nil {
			return nil, fmt.Errorf("%w: keyring file is not valid base64", ErrInvalidInput)
		}
		if len(raw) == 0 {
			return nil, fmt.Errorf("%w: keyring file is empty", ErrInvalidInput)
		}
		return func(c *ImportContext) { c.KeyringData = raw }, nil
	}
	return nil, fmt.Errorf("%w: unknown requirement %s", ErrInvalidInput, in.Type)
}

// restoreInput puts back the context value of requirement t from prev.
func restoreInput(t RequirementType, prev ImportContext) func(*ImportContext) {
	return func(c *ImportContext) {
		switch t {
		case RequireArchivePassword:
			c.ArchivePassword = prev.ArchivePassword
		case RequireKeyringPassword:
			c.KeyringPassword = prev.KeyringPassword
		case RequireKeyringFile:
			c.KeyringData = prev.KeyringData
		}
	}
}

func stageStep(stage knxproj.Stage) StepType {
	if stage == knxproj.StageDevices {
		return StepParseDevices
	}
	return StepParseGroupAddresses
}

func projectName(fileName string) string {
	base := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	name := strings.TrimSuffix(base, path.Ext(base))
	if name == "" || name == "." || name == "/" {
		return "project"
	}
	return name
}

func countInvalidAddresses(data *knxproj.ProjectData) int {
	n := 0
	for _, ga := range data.GroupAddresses {
		if _, _, _, err := knxproj.ParseGroupAddress(ga.Address); err != nil {
			n++
		}
	}
	for _, d := range data.Devices {
		if _, _, _, err := knxproj.ParsePhysicalAddress(d.PhysicalAddress); err != nil {
			n++
		}
	}
	return n
}
