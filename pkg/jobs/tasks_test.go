package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yarawesome/yarawesome/pkg/errs"
	"github.com/yarawesome/yarawesome/pkg/rules"
	"github.com/yarawesome/yarawesome/pkg/scans"
)

type fakeRules struct {
	importRoots  []string
	importRes    errs.BatchResult
	importErr    error
	published    []PublishPayload
	publishOwner string
	cloneTarget  rules.CollectionRef
	downloads    map[string]uint
	nextJobID    uint
}

func (f *fakeRules) ImportDirectory(_ context.Context, root string) (errs.BatchResult, error) {
	f.importRoots = append(f.importRoots, root)
	return f.importRes, f.importErr
}

func (f *fakeRules) CloneCollection(_ context.Context, sourceID uint, dst rules.CollectionRef) (errs.BatchResult, error) {
	f.cloneTarget = dst
	if sourceID == 0 {
		return errs.BatchResult{}, errs.NotFoundf("collection 0")
	}
	return errs.BatchResult{Total: 2, Succeeded: 2}, nil
}

func (f *fakeRules) CloneRule(_ context.Context, ruleID string, dst rules.CollectionRef) (*rules.Rule, error) {
	f.cloneTarget = dst
	return &rules.Rule{RuleID: ruleID, CollectionID: &dst.ID}, nil
}

func (f *fakeRules) PublishCollection(_ context.Context, collectionID uint, owner string, public bool) (errs.BatchResult, error) {
	f.published = append(f.published, PublishPayload{CollectionID: collectionID, Public: public})
	f.publishOwner = owner
	return errs.BatchResult{Total: 1, Succeeded: 1}, nil
}

func (f *fakeRules) DownloadCollection(_ context.Context, collectionID uint, downloadID string) (*rules.CollectionDownload, error) {
	if f.downloads == nil {
		f.downloads = map[string]uint{}
	}
	f.downloads[downloadID] = collectionID
	return &rules.CollectionDownload{ID: downloadID, CollectionID: collectionID}, nil
}

func (f *fakeRules) NewImportJob(_ context.Context, owner, source string) (*rules.ImportJob, error) {
	f.nextJobID++
	return &rules.ImportJob{ID: f.nextJobID, Owner: owner, Source: source}, nil
}

type fakeScans struct {
	ran []uint
	err error
}

func (f *fakeScans) Run(_ context.Context, scanID uint) (*scans.Scan, error) {
	f.ran = append(f.ran, scanID)
	if f.err != nil {
		return nil, f.err
	}
	return &scans.Scan{ID: scanID, State: scans.StateCompleted, MatchCount: 4}, nil
}

type taskFixture struct {
	store *JobStore
	pool  *WorkerPool
	rules *fakeRules
	scans *fakeScans
	dir   string
}

func newTaskFixture(t *testing.T) *taskFixture {
	t.Helper()
	f := &taskFixture{
		store: NewJobStore(setupTestDB(t)),
		rules: &fakeRules{},
		scans: &fakeScans{},
		dir:   t.TempDir(),
	}
	reg := NewRegistry()
	RegisterTasks(reg, TaskDeps{Rules: f.rules, Scans: f.scans, UploadDir: f.dir})
	f.pool = NewWorkerPool(f.store, reg, testWorkerConfig(), nil, nil)
	return f
}

func (f *taskFixture) run(t *testing.T, kind Kind, owner string, payload any) *Job {
	t.Helper()
	ctx := context.Background()
	job, err := Submit(ctx, f.store, kind, owner, payload, "")
	require.NoError(t, err)
	_, err = f.pool.Drain(ctx)
	require.NoError(t, err)
	done, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	return done
}

func TestScanTask(t *testing.T) {
	f := newTaskFixture(t)
	job := f.run(t, KindScan, "alice", ScanPayload{ScanID: 12})
	assert.Equal(t, JobStateSucceeded, job.State)
	assert.Equal(t, 4, job.ItemsSucceeded)
	assert.Equal(t, []uint{12}, f.scans.ran)
	assert.Contains(t, job.Message, "scan 12 completed")

	f.scans.err = errs.NotFoundf("binary 3")
	failed := f.run(t, KindScan, "alice", ScanPayload{ScanID: 13})
	assert.Equal(t, JobStateFailed, failed.State)
	assert.Equal(t, 1, failed.AttemptCount)
}

func TestBadPayloadFailsWithoutRetry(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()
	job, err := NewJob(KindScan, "alice", ScanPayload{}, "")
	require.NoError(t, err)
	job.Payload = `{"scan_id":"twelve"}`
	_, err = f.store.Enqueue(ctx, job)
	require.NoError(t, err)

	_, err = f.pool.Drain(ctx)
	require.NoError(t, err)

	done, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateFailed, done.State)
	assert.Equal(t, 1, done.AttemptCount)
	assert.Empty(t, f.scans.ran)
}

func TestImportDirectoryTaskToleratesItemErrors(t *testing.T) {
	f := newTaskFixture(t)
	f.rules.importRes = errs.BatchResult{Total: 3, Succeeded: 2, Failed: 1}
	f.rules.importErr = errors.New("1_bad.yar: parse error")

	job := f.run(t, KindImportDirectory, "alice", ImportDirectoryPayload{Root: "/uploads/7"})
	assert.Equal(t, JobStateSucceeded, job.State)
	assert.Equal(t, 2, job.ItemsSucceeded)
	assert.Equal(t, 1, job.ItemsFailed)
	assert.Equal(t, []string{"/uploads/7"}, f.rules.importRoots)

	f.rules.importRes = errs.BatchResult{Total: 1, Failed: 1}
	f.rules.importErr = errs.ErrParse
	failed := f.run(t, KindImportDirectory, "alice", ImportDirectoryPayload{Root: "/uploads/8"})
	assert.Equal(t, JobStateFailed, failed.State)
}

func TestCollectionTasks(t *testing.T) {
	f := newTaskFixture(t)
	target := rules.CollectionRef{ID: 9, Name: "copy", OwnerID: "bob", ImportJobID: 4}

	job := f.run(t, KindCloneCollection, "bob", CloneCollectionPayload{SourceCollectionID: 2, Target: target})
	assert.Equal(t, JobStateSucceeded, job.State)
	assert.Equal(t, target, f.rules.cloneTarget)

	job = f.run(t, KindCloneCollection, "bob", CloneCollectionPayload{SourceCollectionID: 0, Target: target})
	assert.Equal(t, JobStateFailed, job.State)

	job = f.run(t, KindCloneRule, "bob", CloneRulePayload{RuleID: "abc", Target: target})
	assert.Equal(t, JobStateSucceeded, job.State)
	assert.Equal(t, "cloned rule abc into collection 9", job.Message)

	job = f.run(t, KindPublishCollection, "alice", PublishPayload{CollectionID: 5, Public: true})
	assert.Equal(t, JobStateSucceeded, job.State)
	assert.Equal(t, []PublishPayload{{CollectionID: 5, Public: true}}, f.rules.published)
	assert.Equal(t, "alice", f.rules.publishOwner)

	job = f.run(t, KindDownloadCollection, "alice", DownloadPayload{CollectionID: 5, DownloadID: "d-1"})
	assert.Equal(t, JobStateSucceeded, job.State)
	assert.Equal(t, uint(5), f.rules.downloads["d-1"])
}

func TestGitImportTask(t *testing.T) {
	f := newTaskFixture(t)

	repoDir := t.TempDir()
	repo, err := gogit.PlainInitWithOptions(repoDir, &gogit.PlainInitOptions{
		InitOptions: gogit.InitOptions{DefaultBranch: "refs/heads/main"},
	})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(repoDir, "malware"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "malware", "apt.yar"), []byte("rule APT { condition: true }"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("malware/apt.yar")
	require.NoError(t, err)
	_, err = wt.Commit("add rules", &gogit.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	shallow := false
	f.rules.importRes = errs.BatchResult{Total: 1, Succeeded: 1}
	job := f.run(t, KindGitImport, "alice", GitImportPayload{URL: repoDir, Branch: "main", Shallow: &shallow})
	require.Equal(t, JobStateSucceeded, job.State, job.LastError)

	assert.Equal(t, []string{filepath.Join(f.dir, "1")}, f.rules.importRoots)
	staged, err := os.ReadFile(filepath.Join(f.dir, "1", "malware", "1_apt.yar"))
	require.NoError(t, err)
	assert.Contains(t, string(staged), "rule APT")
}
