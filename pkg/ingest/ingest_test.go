package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yarawesome/yarawesome/pkg/errs"
	"github.com/yarawesome/yarawesome/pkg/rules"
	"github.com/yarawesome/yarawesome/pkg/search"
	"github.com/yarawesome/yarawesome/pkg/yara"
)

type fakeIndex struct {
	mu       sync.Mutex
	docs     map[string]map[string]yara.Document
	bulks    int
	deletes  int
	failBulk bool
	hits     []search.Hit
	lastQ    search.Query
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{docs: map[string]map[string]yara.Document{}}
}

func (f *fakeIndex) IndexOne(_ context.Context, partition string, doc yara.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.docs[partition] == nil {
		f.docs[partition] = map[string]yara.Document{}
	}
	f.docs[partition][string(doc.RuleID)] = doc
	return nil
}

func (f *fakeIndex) IndexBulk(ctx context.Context, index string, docs []yara.Document, _ int) (bool, error) {
	f.mu.Lock()
	f.bulks++
	fail := f.failBulk
	f.mu.Unlock()
	if fail {
		return false, fmt.Errorf("bulk rejected: %w", errs.ErrIndex)
	}
	for _, d := range docs {
		_ = f.IndexOne(ctx, index, d)
	}
	return true, nil
}

func (f *fakeIndex) DeleteBulk(_ context.Context, index string, ruleIDs []string, _ int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if f.failBulk {
		return false, fmt.Errorf("bulk rejected: %w", errs.ErrIndex)
	}
	for _, id := range ruleIDs {
		delete(f.docs[index], id)
	}
	return true, nil
}

func (f *fakeIndex) Search(_ context.Context, _ string, q search.Query) (*search.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQ = q
	return &search.Result{Total: len(f.hits), TookMS: 1, Hits: f.hits}, nil
}

func (f *fakeIndex) count(partition string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs[partition])
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(rules.Models()...))
	return db
}

type fixture struct {
	db    *gorm.DB
	store *rules.RuleStore
	index *fakeIndex
	svc   *Service
	root  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	f := &fixture{
		db:    db,
		store: rules.NewRuleStore(db),
		index: newFakeIndex(),
		root:  t.TempDir(),
	}
	f.svc = NewService(f.store, rules.NewCollectionResolver(db, 0), f.index, Options{ChunkSize: 2})
	return f
}

func (f *fixture) writeStaged(t *testing.T, jobID uint, collection, name, content string) string {
	t.Helper()
	path := StagedPath(f.root, jobID, collection, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (f *fixture) rules(t *testing.T) []rules.Rule {
	t.Helper()
	var out []rules.Rule
	require.NoError(t, f.db.Order("id ASC").Find(&out).Error)
	return out
}

const twoRules = `import "pe"

rule First : tag1 {
  meta:
    description = "first rule"
  strings:
    $a = "alpha"
  condition:
    $a and pe.number_of_sections > 1
}

rule Second {
  strings:
    $b = { 4D 5A }
  condition:
    $b at 0
}
`

func TestParseUploadPath(t *testing.T) {
	tests := []struct {
		path    string
		want    UploadRef
		wantErr bool
	}{
		{path: "/up/7/malware_family_x/7_apt.yar", want: UploadRef{ImportJobID: 7, Collection: "malware_family_x", Name: "apt.yar"}},
		{path: "/up/7/7_loose_rules.yara", want: UploadRef{ImportJobID: 7, Collection: "loose_rules", Name: "loose_rules.yara"}},
		{path: "12_x.yar", want: UploadRef{ImportJobID: 12, Collection: "x", Name: "x.yar"}},
		{path: "/up/7/c/apt.yar", wantErr: true},
		{path: "/up/7/c/abc_apt.yar", wantErr: true},
		{path: "/up/7/c/0_apt.yar", wantErr: true},
		{path: "/up/7/c/7_", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := ParseUploadPath(tt.path)
			if tt.wantErr {
				assert.True(t, errors.Is(err, errs.ErrInvalidRequest))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStageUpload(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "family", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "top.yar"), []byte("rule T { condition: true }"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "family", "a.yara"), []byte("rule A { condition: true }"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "family", "sub", "b.YAR"), []byte("rule B { condition: true }"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "family", "README.md"), []byte("docs"), 0o644))

	root := t.TempDir()
	staged, err := StageUpload(src, root, 3)
	require.NoError(t, err)
	require.Len(t, staged, 3)

	collections := map[string]bool{}
	for _, p := range staged {
		ref, err := ParseUploadPath(p)
		require.NoError(t, err)
		assert.Equal(t, uint(3), ref.ImportJobID)
		collections[ref.Collection] = true
	}
	assert.Equal(t, map[string]bool{filepath.Base(src): true, "family": true, "family_sub": true}, collections)

	single, err := StageUpload(filepath.Join(src, "top.yar"), root, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "4", "top", "4_top.yar")}, single)

	_, err = StageUpload(filepath.Join(src, "missing"), root, 4)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestIngestFileIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, err := f.store.CreateImportJob(ctx, "alice", "upload")
	require.NoError(t, err)
	path := f.writeStaged(t, job.ID, "family", "rules.yar", twoRules)

	res, err := f.svc.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, errs.BatchResult{Total: 2, Succeeded: 2}, res)

	res, err = f.svc.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)

	stored := f.rules(t)
	require.Len(t, stored, 2)
	assert.Equal(t, "First", stored[0].Name)
	assert.Equal(t, []string{"pe"}, []string(stored[0].Imports))
	assert.Equal(t, "alice", stored[0].Owner)
	assert.Equal(t, 2, f.index.count("alice-yara-rules"))

	doc := f.index.docs["alice-yara-rules"][stored[0].RuleID]
	assert.Equal(t, "first rule", doc.Description)

	var collections []rules.Collection
	require.NoError(t, f.db.Find(&collections).Error)
	require.Len(t, collections, 1)
	assert.Equal(t, "family", collections[0].Name)
}

func TestIngestFileUpdatesContentInPlace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, err := f.store.CreateImportJob(ctx, "alice", "upload")
	require.NoError(t, err)

	path := f.writeStaged(t, job.ID, "family", "r.yar", `rule A { strings: $a = "x" condition: $a }`)
	_, err = f.svc.IngestFile(ctx, path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("// comment\nrule A {\n  strings: $a = \"x\"\n  condition: $a\n}"), 0o644))
	_, err = f.svc.IngestFile(ctx, path)
	require.NoError(t, err)

	stored := f.rules(t)
	require.Len(t, stored, 1)
	assert.True(t, strings.HasPrefix(stored[0].Content, "rule A {\n"))
}

func TestIngestFileErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, err := f.store.CreateImportJob(ctx, "alice", "upload")
	require.NoError(t, err)

	_, err = f.svc.IngestFile(ctx, f.writeStaged(t, 99, "c", "r.yar", "rule A { condition: true }"))
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = f.svc.IngestFile(ctx, f.writeStaged(t, job.ID, "c", "bad.yar", "rule A { strings: $a = \"x\" }"))
	assert.True(t, errors.Is(err, errs.ErrParse))

	res, err := f.svc.IngestFile(ctx, f.writeStaged(t, job.ID, "c", "bin.yar", "\xff\xfe\x00rule"))
	require.NoError(t, err)
	assert.Equal(t, errs.BatchResult{}, res)
	assert.Empty(t, f.rules(t))
}

func TestImportDirectoryIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, err := f.store.CreateImportJob(ctx, "alice", "upload")
	require.NoError(t, err)

	f.writeStaged(t, job.ID, "good", "a.yar", twoRules)
	f.writeStaged(t, job.ID, "bad", "b.yar", "rule Broken {")
	f.writeStaged(t, job.ID, "good", "c.yara", `rule Third { condition: filesize > 0 }`)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "unstaged.yar"), []byte("rule U { condition: true }"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "notes.txt"), []byte("ignored"), 0o644))

	res, err := f.svc.ImportDirectory(ctx, f.root)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrParse))
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Skipped)
	assert.True(t, res.Partial())
	assert.Len(t, f.rules(t), 3)
}

func TestEditRuleKeepsRuleID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, err := f.store.CreateImportJob(ctx, "alice", "upload")
	require.NoError(t, err)
	_, err = f.svc.IngestFile(ctx, f.writeStaged(t, job.ID, "c", "r.yar", `rule A { strings: $a = "x" condition: $a }`))
	require.NoError(t, err)
	original := f.rules(t)[0]

	edited, err := f.svc.EditRule(ctx, "alice", original.RuleID, `rule A_renamed { strings: $a = "y" condition: $a }`)
	require.NoError(t, err)
	assert.Equal(t, original.ID, edited.ID)
	assert.Equal(t, original.RuleID, edited.RuleID)
	assert.Contains(t, edited.Content, "A_renamed")

	_, err = f.svc.EditRule(ctx, "bob", original.RuleID, `rule A { condition: true }`)
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = f.svc.EditRule(ctx, "alice", original.RuleID, "// nothing here")
	assert.True(t, errors.Is(err, errs.ErrParse))
}

func TestCloneAndPublishAndDownload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, err := f.store.CreateImportJob(ctx, "alice", "upload")
	require.NoError(t, err)
	_, err = f.svc.IngestFile(ctx, f.writeStaged(t, job.ID, "family", "r.yar", twoRules))
	require.NoError(t, err)
	src := f.rules(t)[0].CollectionID

	dst, err := f.svc.NewTarget(ctx, "bob", "copied", "clone")
	require.NoError(t, err)
	_, err = f.svc.CloneCollection(ctx, *src, dst)
	assert.True(t, errors.Is(err, errs.ErrNotFound), "private collections are not clonable by others")

	_, err = f.svc.PublishCollection(ctx, *src, "bob", true)
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	res, err := f.svc.PublishCollection(ctx, *src, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, errs.BatchResult{Total: 2, Succeeded: 2}, res)
	assert.Equal(t, 2, f.index.count(search.PublicPartition))
	assert.Equal(t, 1, f.index.bulks)

	res, err = f.svc.CloneCollection(ctx, *src, dst)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	res, err = f.svc.CloneCollection(ctx, *src, dst)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Len(t, f.rules(t), 4)
	assert.Equal(t, 2, f.index.count("bob-yara-rules"))

	cloned, err := f.svc.CloneRule(ctx, f.rules(t)[0].RuleID, dst)
	require.NoError(t, err)
	assert.Equal(t, "bob", cloned.Owner)
	assert.Equal(t, dst.ID, *cloned.CollectionID)
	assert.Len(t, f.rules(t), 4)

	d, err := f.svc.DownloadCollection(ctx, dst.ID, "download-1")
	require.NoError(t, err)
	assert.Equal(t, "download-1", d.ID)
	assert.True(t, strings.HasPrefix(d.Content, "import \"pe\"\n\nrule First"))
	parsed, err := yara.Parse(d.Content)
	require.NoError(t, err)
	assert.Len(t, parsed, 2)

	f.index.failBulk = true
	res, err = f.svc.PublishCollection(ctx, *src, "alice", false)
	assert.True(t, errors.Is(err, errs.ErrIndex))
	assert.Equal(t, 2, res.Failed)
}

func TestCloneKeepsImports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, err := f.store.CreateImportJob(ctx, "alice", "upload")
	require.NoError(t, err)
	_, err = f.svc.IngestFile(ctx, f.writeStaged(t, job.ID, "pe", "p.yar",
		"import \"pe\"\nrule P { condition: pe.number_of_sections > 1 }\n"))
	require.NoError(t, err)
	src := f.rules(t)[0]
	require.Equal(t, rules.StringList{"pe"}, src.Imports)

	_, err = f.svc.PublishCollection(ctx, *src.CollectionID, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"pe"}, f.index.docs[search.PublicPartition][src.RuleID].Imports)

	dst, err := f.svc.NewTarget(ctx, "bob", "copy", "clone")
	require.NoError(t, err)
	_, err = f.svc.CloneCollection(ctx, *src.CollectionID, dst)
	require.NoError(t, err)

	content, err := f.store.CollectionContent(ctx, dst.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(content, "import \"pe\"\n\nrule P"), content)
	assert.Equal(t, []string{"pe"}, f.index.docs["bob-yara-rules"][src.RuleID].Imports)

	single, err := f.svc.NewTarget(ctx, "carol", "single", "clone")
	require.NoError(t, err)
	cloned, err := f.svc.CloneRule(ctx, src.RuleID, single)
	require.NoError(t, err)
	assert.Equal(t, rules.StringList{"pe"}, cloned.Imports)
}

func TestUnpublishRemovesPublicDocuments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, err := f.store.CreateImportJob(ctx, "alice", "upload")
	require.NoError(t, err)
	_, err = f.svc.IngestFile(ctx, f.writeStaged(t, job.ID, "family", "r.yar", twoRules))
	require.NoError(t, err)
	src := *f.rules(t)[0].CollectionID

	_, err = f.svc.PublishCollection(ctx, src, "alice", true)
	require.NoError(t, err)
	require.Equal(t, 2, f.index.count(search.PublicPartition))

	other, err := f.store.CreateImportJob(ctx, "bob", "upload")
	require.NoError(t, err)
	_, err = f.svc.IngestFile(ctx, f.writeStaged(t, other.ID, "mine", "r.yar", twoRules))
	require.NoError(t, err)
	bobs := f.rules(t)[2]
	require.Equal(t, "bob", bobs.Owner)
	_, err = f.svc.PublishCollection(ctx, *bobs.CollectionID, "bob", true)
	require.NoError(t, err)

	res, err := f.svc.PublishCollection(ctx, src, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 2, f.index.count("alice-yara-rules"))
	assert.Equal(t, 2, f.index.count(search.PublicPartition), "bob still publishes the same rules")
	assert.Zero(t, f.index.deletes)

	_, err = f.svc.PublishCollection(ctx, *bobs.CollectionID, "bob", false)
	require.NoError(t, err)
	assert.Zero(t, f.index.count(search.PublicPartition))
	assert.Equal(t, 1, f.index.deletes)
}

func TestSearchResolvesContentAndFlagsOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, err := f.store.CreateImportJob(ctx, "alice", "upload")
	require.NoError(t, err)
	_, err = f.svc.IngestFile(ctx, f.writeStaged(t, job.ID, "family", "r.yar", twoRules))
	require.NoError(t, err)
	stored := f.rules(t)

	f.index.hits = []search.Hit{
		{ID: stored[0].RuleID, Source: yara.Document{RuleID: yara.RuleFingerprint(stored[0].RuleID), Name: "First"}},
		{ID: "gone", Source: yara.Document{RuleID: "gone", Name: "Gone"}},
	}
	page, err := f.svc.Search(ctx, "alice", "First", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Available)
	require.Len(t, page.Results, 2)
	assert.Equal(t, stored[0].Content, page.Results[0].Content)
	require.NotNil(t, page.Results[0].Collection)
	assert.Equal(t, "family", page.Results[0].Collection.Name)
	assert.Equal(t, OrphanWarning, page.Results[1].Warning)
	assert.Empty(t, page.Results[1].Content)

	page, err = f.svc.Search(ctx, "alice", fmt.Sprintf("collection_id:%d", *stored[0].CollectionID), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Available)
	assert.Equal(t, []string{stored[0].RuleID, stored[1].RuleID}, f.index.lastQ.RuleIDs)

	_, err = f.svc.Search(ctx, "alice", "import_id:abc", 0, 10)
	assert.True(t, errors.Is(err, errs.ErrInvalidRequest))
}
