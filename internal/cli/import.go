package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/knximport/internal/importer"
	"github.com/JonMunkholm/knximport/internal/store"
)

// pollInterval is how often the import command checks the job state.
const pollInterval = 20 * time.Millisecond

type importOptions struct {
	password        string
	keyring         string
	keyringPassword string
	noInput         bool
	timeout         time.Duration
	policy          string
}

func newImportCmd(g *globalOptions) *cobra.Command {
	opts := &importOptions{}

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a project archive and print its group addresses and devices",
		Long: `Import a project archive in-process and print the parsed project.

Inputs the project needs are taken from flags first. Anything missing, or a
password that turns out to be wrong, is asked for on the terminal unless
--no-input is set.

Examples:
  knxproj import house.knxproj
  knxproj import secure.knxproj --password s3cret
  knxproj import secure.knxproj --keyring house.knxkeys --keyring-password kr-pass -o yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, g, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.password, "password", "p", "", "project password")
	cmd.Flags().StringVarP(&opts.keyring, "keyring", "k", "", "path to the keyring file (.knxkeys)")
	cmd.Flags().StringVar(&opts.keyringPassword, "keyring-password", "", "keyring password")
	cmd.Flags().BoolVar(&opts.noInput, "no-input", false, "fail instead of prompting for missing input")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", importer.DefaultRunTimeout, "maximum duration of one import run")
	cmd.Flags().StringVar(&opts.policy, "attempts-policy", string(importer.AttemptsAdvisory), "what happens when password attempts run out (advisory, fail)")
	return cmd
}

func runImport(cmd *cobra.Command, g *globalOptions, opts *importOptions, path string) error {
	policy, err := importer.ParseAttemptsPolicy(opts.policy)
	if err != nil {
		return err
	}

	data, err := readProject(path)
	if err != nil {
		return userError(err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	mem := store.NewMemory()
	svc := importer.NewService(mem, importer.Options{
		AttemptsPolicy: policy,
		RunTimeout:     opts.timeout,
		MaxConcurrent:  1,
	})

	job, err := svc.Start(ctx, filepath.Base(path), data)
	if err != nil {
		return userError(err)
	}
	defer func() {
		// Stop a run left behind by an early return.
		_ = svc.Cancel(job.ID)
		waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Wait(waitCtx)
	}()

	inputs := newInputSource(opts, cmd.InOrStdin(), cmd.ErrOrStderr())

	for {
		job, err = awaitSettled(ctx, svc, job.ID)
		if err != nil {
			return err
		}

		switch job.Status {
		case importer.StatusCompleted:
			return printImport(cmd, g, mem, job)
		case importer.StatusFailed:
			return userError(errors.New(job.Error))
		case importer.StatusCancelled:
			return errors.New("import cancelled")
		}

		if err := provideMissing(ctx, svc, job, inputs); err != nil {
			return err
		}
	}
}

// provideMissing answers every unfulfilled requirement of a waiting job.
func provideMissing(ctx context.Context, svc *importer.Service, job importer.Job, inputs *inputSource) error {
	asked := false
	for _, req := range job.Requirements.All() {
		if req.Fulfilled {
			continue
		}
		asked = true

		value, err := inputs.value(req)
		if err != nil {
			return err
		}
		if err := svc.ProvideInput(ctx, job.ID, importer.Input{Type: req.Type, Value: value}); err != nil {
			return userError(err)
		}
	}
	if !asked {
		return fmt.Errorf("import %s is waiting without open requirements", job.ID)
	}
	return nil
}

// awaitSettled polls until the job waits for input or is finished.
func awaitSettled(ctx context.Context, svc *importer.Service, id string) (importer.Job, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		job, ok := svc.Job(id)
		if !ok {
			return importer.Job{}, importer.ErrJobNotFound
		}
		if job.Status == importer.StatusWaitingForInput || job.Status.Terminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printImport(cmd *cobra.Command, g *globalOptions, mem *store.Memory, job importer.Job) error {
	if job.Result == nil {
		return fmt.Errorf("import %s completed without a result", job.ID)
	}
	data, ok := mem.Entities(job.Result.ProjectID)
	if !ok {
		return fmt.Errorf("project %d: %w", job.Result.ProjectID, store.ErrProjectNotFound)
	}

	return writeOutput(cmd.OutOrStdout(), g.output, importReport{
		Project:          job.Result.ProjectName,
		FormatVersion:    job.Result.FormatVersion,
		HasSecureDevices: job.Result.HasSecureDevices,
		SecureKeyCount:   job.Result.SecureKeyCount,
		GroupAddresses:   data.GroupAddresses,
		Devices:          data.Devices,
	})
}
