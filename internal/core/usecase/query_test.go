package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kirillkom/defect-dataset-exporter/internal/core/domain"
	"github.com/kirillkom/defect-dataset-exporter/internal/core/tabular"
)

type sourceFake struct {
	table   domain.Table
	err     error
	lastSQL string
}

func (f *sourceFake) Query(_ context.Context, sql string) (domain.Table, error) {
	f.lastSQL = sql
	if f.err != nil {
		return domain.Table{}, f.err
	}
	return f.table, nil
}

type settingsFake struct {
	paths      domain.ImagePathSettings
	categories *domain.CategoryTable
}

func (s *settingsFake) ImagePaths() domain.ImagePathSettings { return s.paths }
func (s *settingsFake) Categories() *domain.CategoryTable { return s.categories }

type publisherFake struct {
	events []domain.TaskEvent
	err    error
}

func (p *publisherFake) PublishTaskCompiled(_ context.Context, event domain.TaskEvent) error {
	p.events = append(p.events, event)
	return p.err
}

const queryTaskID = "9b2f6c1e-0d3a-4c5b-8e7f-112233445566"

func detectionRow(key, infer string, checked int64) domain.Record {
	return domain.Record{
		domain.ColumnOriginObjectKey:       key,
		domain.ColumnPosition:              int64(1),
		domain.ColumnProductID:             "P-9",
		domain.ColumnCode:                  "007",
		domain.ColumnCTime:                 "2025-10-22 08:00:00",
		domain.ColumnCheckStatus:           checked,
		domain.ColumnInferRawResult:        infer,
		domain.ColumnDetectionResultStatus: int64(2),
	}
}

func newQueryFixture(table domain.Table) (*QueryUseCase, *memStorageFake, *publisherFake, *sourceFake) {
	store := newMemStorageFake()
	source := &sourceFake{table: table}
	settings := &settingsFake{
		paths:      domain.ImagePathSettings{Mode: domain.ImagePathConcat, BasePath: "/pics", PathField: domain.ColumnOriginObjectKey},
		categories: twoCategoryTable(),
	}
	pub := &publisherFake{}
	uc := NewQueryUseCase(source, store, settings, pub, &observerFake{}, CompileOptions{}, nil)
	uc.newTaskID = func() string { return queryTaskID }
	return uc, store, pub, source
}

func TestQueryRunBuildsTask(t *testing.T) {
	table := domain.Table{
		Columns: []string{domain.ColumnOriginObjectKey, domain.ColumnPosition, domain.ColumnProductID, domain.ColumnCode,
			domain.ColumnCTime, domain.ColumnCheckStatus, domain.ColumnInferRawResult, domain.ColumnDetectionResultStatus},
		Rows: []domain.Record{
			detectionRow("2025/a.jpg", `{"predictions":[{"name":"B","confidence":0.5,"points":[{"x":1,"y":1,"w":2,"h":2}]}]}`, 1),
			detectionRow("2025/b.jpg", "", 0),
		},
	}
	uc, store, pub, source := newQueryFixture(table)
	store.files["src:/pics/2025/a.jpg"] = []byte("img-a")

	res, err := uc.Run(context.Background(), domain.QueryRequest{
		SQL:       "SELECT * FROM t WHERE c_time BETWEEN '${START_TIME}' AND '${END_TIME}'",
		StartTime: "2025-01-01",
		EndTime:   "2025-02-01",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if source.lastSQL != "SELECT * FROM t WHERE c_time BETWEEN '2025-01-01' AND '2025-02-01'" {
		t.Fatalf("placeholders not substituted: %s", source.lastSQL)
	}
	if res.TaskID != queryTaskID || res.Count != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}

	first := res.Items[0]
	if first.ImgPath != "/pics/2025/a.jpg" || first.ImgName != "a.jpg" || first.DetectionResultStatus != "2" {
		t.Fatalf("unexpected preview: %+v", first)
	}
	if len(first.Annotations) != 1 || first.Annotations[0].Category != "B" || first.Annotations[0].CategoryID != 1 {
		t.Fatalf("unexpected preview annotations: %+v", first.Annotations)
	}
	if res.Items[1].Annotations == nil || len(res.Items[1].Annotations) != 0 {
		t.Fatalf("unchecked row must have an empty annotation list")
	}

	for _, name := range []string{domain.CSVFileName, domain.COCOFileName, "a.jpg"} {
		if !store.has(queryTaskID + "/" + name) {
			t.Fatalf("expected %s in task dir", name)
		}
	}
	if store.has(queryTaskID + "/b.jpg") {
		t.Fatalf("missing source image must be skipped")
	}

	persisted, err := tabular.ReadCSV(strings.NewReader(string(store.files[queryTaskID+"/"+domain.CSVFileName])))
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if persisted.Rows[0].Get(domain.ColumnCode) != "007" {
		t.Fatalf("serial numbers must stay strings, got %#v", persisted.Rows[0].Get(domain.ColumnCode))
	}

	if len(pub.events) != 1 || pub.events[0].Annotations != 1 || pub.events[0].Images != 2 {
		t.Fatalf("unexpected events: %+v", pub.events)
	}
}

func TestQueryRunEmptyResultCreatesNoTask(t *testing.T) {
	uc, store, pub, _ := newQueryFixture(domain.Table{Columns: []string{"a"}})

	res, err := uc.Run(context.Background(), domain.QueryRequest{SQL: "SELECT 1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Count != 0 || res.TaskID != "" || res.Items == nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(store.files) != 0 || len(store.dirs) != 0 || len(pub.events) != 0 {
		t.Fatalf("empty result must not create a task")
	}
}

func TestQueryRunValidation(t *testing.T) {
	uc, _, _, _ := newQueryFixture(domain.Table{})
	_, err := uc.Run(context.Background(), domain.QueryRequest{SQL: "   "})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestQueryRunPropagatesSourceErrors(t *testing.T) {
	uc, _, _, source := newQueryFixture(domain.Table{})
	source.err = domain.WrapError(domain.ErrTemporary, "query", errors.New("connection refused"))

	_, err := uc.Run(context.Background(), domain.QueryRequest{SQL: "SELECT 1"})
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
}

func TestQueryRunPublishFailureIsNotFatal(t *testing.T) {
	table := domain.Table{
		Columns: []string{domain.ColumnOriginObjectKey, domain.ColumnCheckStatus},
		Rows:    []domain.Record{detectionRow("x.jpg", "", 0)},
	}
	uc, _, pub, _ := newQueryFixture(table)
	pub.err = errors.New("nats down")

	if _, err := uc.Run(context.Background(), domain.QueryRequest{SQL: "SELECT 1"}); err != nil {
		t.Fatalf("publish failure must not fail the query: %v", err)
	}
}

func TestSampleTableIsDeterministic(t *testing.T) {
	table := domain.Table{Columns: []string{"n"}}
	for i := 0; i < 20; i++ {
		table.Rows = append(table.Rows, domain.Record{"n": int64(i)})
	}

	a := SampleTable(table, 5, sampleSeed)
	b := SampleTable(table, 5, sampleSeed)
	if a.Len() != 5 {
		t.Fatalf("expected 5 rows, got %d", a.Len())
	}
	seen := map[any]bool{}
	for i := range a.Rows {
		if a.Rows[i].Get("n") != b.Rows[i].Get("n") {
			t.Fatalf("sampling is not deterministic")
		}
		if seen[a.Rows[i].Get("n")] {
			t.Fatalf("sampled row twice")
		}
		seen[a.Rows[i].Get("n")] = true
	}
	if SampleTable(table, 50, sampleSeed).Len() != 20 {
		t.Fatalf("oversized sample must keep the table")
	}
}

func TestApplyImagePathsModes(t *testing.T) {
	newTable := func(cols ...string) domain.Table {
		rec := domain.Record{}
		for _, c := range cols {
			rec[c] = "v/" + c
		}
		return domain.Table{Columns: cols, Rows: []domain.Record{rec}}
	}

	cases := []struct {
		name     string
		settings domain.ImagePathSettings
		table    domain.Table
		want     any
	}{
		{
			name:     "concat adds separator",
			settings: domain.ImagePathSettings{Mode: domain.ImagePathConcat, BasePath: "E:/pics", PathField: "key"},
			table:    newTable("key"),
			want:     "E:/pics/v/key",
		},
		{
			name:     "concat keeps backslash base",
			settings: domain.ImagePathSettings{Mode: domain.ImagePathConcat, BasePath: `E:\pics\`, PathField: "key"},
			table:    newTable("key"),
			want:     `E:\pics\v/key`,
		},
		{
			name:     "full path field",
			settings: domain.ImagePathSettings{Mode: domain.ImagePathFullPath, FullPathField: "full"},
			table:    newTable("full", domain.ColumnLocalPicURL),
			want:     "v/full",
		},
		{
			name:     "full path falls back to local_pic_url",
			settings: domain.ImagePathSettings{Mode: domain.ImagePathFullPath, FullPathField: "full"},
			table:    newTable(domain.ColumnLocalPicURL, domain.ColumnImgPath),
			want:     "v/local_pic_url",
		},
		{
			name:     "full path keeps existing img_path",
			settings: domain.ImagePathSettings{Mode: domain.ImagePathFullPath, FullPathField: "full"},
			table:    newTable(domain.ColumnImgPath),
			want:     "v/img_path",
		},
		{
			name:     "unknown mode concatenates origin_object_key",
			settings: domain.ImagePathSettings{Mode: "weird", BasePath: "/b", PathField: "key"},
			table:    newTable(domain.ColumnOriginObjectKey),
			want:     "/b/v/origin_object_key",
		},
		{
			name:     "concat without field leaves img_path unset",
			settings: domain.ImagePathSettings{Mode: domain.ImagePathConcat, BasePath: "/b", PathField: "key"},
			table:    newTable("other"),
			want:     nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			table := tc.table
			ApplyImagePaths(&table, tc.settings, nil)
			if got := table.Rows[0].Get(domain.ColumnImgPath); got != tc.want {
				t.Fatalf("got %#v, want %#v", got, tc.want)
			}
		})
	}
}
