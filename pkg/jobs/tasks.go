package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"

	"github.com/yarawesome/yarawesome/pkg/errs"
	"github.com/yarawesome/yarawesome/pkg/gitimport"
	"github.com/yarawesome/yarawesome/pkg/ingest"
	"github.com/yarawesome/yarawesome/pkg/rules"
	"github.com/yarawesome/yarawesome/pkg/scans"
)

// ScanPayload runs one scan.
type ScanPayload struct {
	ScanID uint `json:"scan_id"`
}

// ImportDirectoryPayload ingests every staged rule file under Root.
type ImportDirectoryPayload struct {
	Root string `json:"root"`
}

// CloneCollectionPayload copies a collection into a pre-created target.
type CloneCollectionPayload struct {
	SourceCollectionID uint                `json:"source_collection_id"`
	Target             rules.CollectionRef `json:"target"`
}

// CloneRulePayload copies one public rule into a pre-created target.
type CloneRulePayload struct {
	RuleID string              `json:"rule_id"`
	Target rules.CollectionRef `json:"target"`
}

// PublishPayload flips a collection's visibility. The job owner must own it.
type PublishPayload struct {
	CollectionID uint `json:"collection_id"`
	Public       bool `json:"public"`
}

// DownloadPayload renders a collection under a caller-chosen download id.
type DownloadPayload struct {
	CollectionID uint   `json:"collection_id"`
	DownloadID   string `json:"download_id"`
}

// GitImportPayload clones a repository and imports its rule files into
// ImportJobID, creating the import job when it is zero.
type GitImportPayload struct {
	URL         string `json:"url"`
	Branch      string `json:"branch,omitempty"`
	Shallow     *bool  `json:"shallow,omitempty"`
	ImportJobID uint   `json:"import_job_id,omitempty"`
}

// RuleService is the ingestion surface the task handlers drive.
type RuleService interface {
	ImportDirectory(ctx context.Context, root string) (errs.BatchResult, error)
	CloneCollection(ctx context.Context, sourceID uint, dst rules.CollectionRef) (errs.BatchResult, error)
	CloneRule(ctx context.Context, ruleID string, dst rules.CollectionRef) (*rules.Rule, error)
	PublishCollection(ctx context.Context, collectionID uint, owner string, public bool) (errs.BatchResult, error)
	DownloadCollection(ctx context.Context, collectionID uint, downloadID string) (*rules.CollectionDownload, error)
	NewImportJob(ctx context.Context, owner, source string) (*rules.ImportJob, error)
}

// ScanRunner executes scans.
type ScanRunner interface {
	Run(ctx context.Context, scanID uint) (*scans.Scan, error)
}

// TaskDeps are the collaborators the built-in task handlers use.
type TaskDeps struct {
	Rules     RuleService
	Scans     ScanRunner
	UploadDir string
	// GitToken authenticates git imports over HTTPS when set.
	GitToken string
	Logger   *slog.Logger
}

// RegisterTasks installs a handler for every built-in job kind.
func RegisterTasks(reg *Registry, deps TaskDeps) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	reg.Register(KindScan, func(ctx context.Context, job *Job) (Outcome, error) {
		var p ScanPayload
		if err := decode(job, &p); err != nil {
			return Outcome{}, err
		}
		sc, err := deps.Scans.Run(ctx, p.ScanID)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{
			Message:   fmt.Sprintf("scan %d %s with %d matches", sc.ID, sc.State, sc.MatchCount),
			Succeeded: sc.MatchCount,
		}, nil
	})
	reg.Register(KindImportDirectory, func(ctx context.Context, job *Job) (Outcome, error) {
		var p ImportDirectoryPayload
		if err := decode(job, &p); err != nil {
			return Outcome{}, err
		}
		res, err := deps.Rules.ImportDirectory(ctx, p.Root)
		return batchOutcome(res), tolerate(res, err, deps.Logger, job)
	})
	reg.Register(KindCloneCollection, func(ctx context.Context, job *Job) (Outcome, error) {
		var p CloneCollectionPayload
		if err := decode(job, &p); err != nil {
			return Outcome{}, err
		}
		res, err := deps.Rules.CloneCollection(ctx, p.SourceCollectionID, p.Target)
		return batchOutcome(res), tolerate(res, err, deps.Logger, job)
	})
	reg.Register(KindCloneRule, func(ctx context.Context, job *Job) (Outcome, error) {
		var p CloneRulePayload
		if err := decode(job, &p); err != nil {
			return Outcome{}, err
		}
		r, err := deps.Rules.CloneRule(ctx, p.RuleID, p.Target)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Message: fmt.Sprintf("cloned rule %s into collection %d", r.RuleID, p.Target.ID), Succeeded: 1}, nil
	})
	reg.Register(KindPublishCollection, func(ctx context.Context, job *Job) (Outcome, error) {
		var p PublishPayload
		if err := decode(job, &p); err != nil {
			return Outcome{}, err
		}
		res, err := deps.Rules.PublishCollection(ctx, p.CollectionID, job.Owner, p.Public)
		return batchOutcome(res), err
	})
	reg.Register(KindDownloadCollection, func(ctx context.Context, job *Job) (Outcome, error) {
		var p DownloadPayload
		if err := decode(job, &p); err != nil {
			return Outcome{}, err
		}
		d, err := deps.Rules.DownloadCollection(ctx, p.CollectionID, p.DownloadID)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Message: "download " + d.ID, Succeeded: 1}, nil
	})
	reg.Register(KindGitImport, func(ctx context.Context, job *Job) (Outcome, error) {
		var p GitImportPayload
		if err := decode(job, &p); err != nil {
			return Outcome{}, err
		}
		res, err := gitImport(ctx, deps, job.Owner, p)
		return batchOutcome(res), tolerate(res, err, deps.Logger, job)
	})
}

func gitImport(ctx context.Context, deps TaskDeps, owner string, p GitImportPayload) (errs.BatchResult, error) {
	if deps.UploadDir == "" {
		return errs.BatchResult{}, fmt.Errorf("git import: upload dir not configured: %w", errs.ErrInvalidRequest)
	}
	importJobID := p.ImportJobID
	if importJobID == 0 {
		ij, err := deps.Rules.NewImportJob(ctx, owner, p.URL)
		if err != nil {
			return errs.BatchResult{}, err
		}
		importJobID = ij.ID
	}

	co, err := gitimport.Clone(ctx, gitimport.Options{URL: p.URL, Branch: p.Branch, Shallow: p.Shallow, AuthToken: deps.GitToken}, deps.Logger)
	if err != nil {
		return errs.BatchResult{}, err
	}
	defer func() {
		if err := co.Remove(); err != nil {
			deps.Logger.Warn("failed to remove checkout", "dir", co.Dir, "error", err)
		}
	}()

	if _, err := ingest.StageUpload(co.Dir, deps.UploadDir, importJobID); err != nil {
		return errs.BatchResult{}, fmt.Errorf("stage %s: %w", p.URL, err)
	}
	deps.Logger.Info("staged git checkout", "url", p.URL, "commit", co.Commit, "importJobID", importJobID)
	return deps.Rules.ImportDirectory(ctx, filepath.Join(deps.UploadDir, strconv.FormatUint(uint64(importJobID), 10)))
}

func decode(job *Job, v any) error {
	if err := job.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrInvalidRequest, err)
	}
	return nil
}

func batchOutcome(res errs.BatchResult) Outcome {
	return Outcome{Message: res.String(), Succeeded: res.Succeeded, Failed: res.Failed}
}

// tolerate keeps a batch job successful when some items landed. Item errors
// are logged; a batch where nothing succeeded still fails.
func tolerate(res errs.BatchResult, err error, logger *slog.Logger, job *Job) error {
	if err == nil {
		return nil
	}
	if res.Succeeded > 0 {
		logger.Warn("batch job finished with item errors", "jobID", job.ID, "kind", job.Kind, "result", res.String(), "error", err)
		return nil
	}
	return err
}

// Submit encodes payload into a new job and enqueues it.
func Submit(ctx context.Context, store *JobStore, kind Kind, owner string, payload any, idempotencyKey string) (*Job, error) {
	job, err := NewJob(kind, owner, payload, idempotencyKey)
	if err != nil {
		return nil, err
	}
	return store.Enqueue(ctx, job)
}
