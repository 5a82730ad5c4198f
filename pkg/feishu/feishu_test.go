package feishu

import (
	"context"
	"net/http"
	"testing"
	"time"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
)

func TestParseBitableURL(t *testing.T) {
	ref, err := ParseBitableURL("https://example.feishu.cn/base/AppTok123?table=tblBuilds&view=vewAll")
	if err != nil {
		t.Fatalf("ParseBitableURL: %v", err)
	}
	if ref.AppToken != "AppTok123" || ref.TableID != "tblBuilds" || ref.ViewID != "vewAll" {
		t.Fatalf("unexpected ref %#v", ref)
	}
	bad := []string{
		"",
		"ftp://example.feishu.cn/base/x?table=t",
		"https://example.com/base/x?table=t",
		"https://example.feishu.cn/base/x",
		"https://example.feishu.cn/wiki/x?table=t",
	}
	for _, raw := range bad {
		if _, err := ParseBitableURL(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestBuildFields(t *testing.T) {
	start := time.Date(2024, 1, 13, 10, 30, 45, 0, time.UTC)
	fields := DefaultBuildFields.Fields(BuildRow{
		JobID:      "job-1",
		Device:     "beryllium",
		Status:     "succeeded",
		StartedAt:  start,
		FinishedAt: start.Add(2 * time.Minute),
		Artifacts:  []string{"a.img", "a.zip"},
	})
	if fields["JobID"] != "job-1" || fields["StartedAt"] != start.UnixMilli() {
		t.Fatalf("unexpected fields %#v", fields)
	}
	if fields["ElapsedSeconds"] != 120.0 || fields["Artifacts"] != "a.img\na.zip" {
		t.Fatalf("unexpected derived fields %#v", fields)
	}
	if _, ok := fields["Reason"]; ok {
		t.Fatal("empty reason should be skipped")
	}
}

func okApiResp() *larkcore.ApiResp {
	return &larkcore.ApiResp{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		RawBody:    []byte(`{"code":0,"msg":"success"}`),
	}
}

type stubRecords struct {
	created map[string]any
	updated map[string]any
}

func (s *stubRecords) Create(ctx context.Context, appToken, tableID string, record *larkbitable.AppTableRecord, options ...larkcore.RequestOptionFunc) (*larkbitable.CreateAppTableRecordResp, error) {
	s.created = record.Fields
	id := "rec-1"
	return &larkbitable.CreateAppTableRecordResp{
		ApiResp:   okApiResp(),
		CodeError: larkcore.CodeError{Code: 0},
		Data:      &larkbitable.CreateAppTableRecordRespData{Record: &larkbitable.AppTableRecord{RecordId: &id}},
	}, nil
}

func (s *stubRecords) Update(ctx context.Context, appToken, tableID, recordID string, record *larkbitable.AppTableRecord, options ...larkcore.RequestOptionFunc) (*larkbitable.UpdateAppTableRecordResp, error) {
	s.updated = record.Fields
	return &larkbitable.UpdateAppTableRecordResp{ApiResp: okApiResp(), CodeError: larkcore.CodeError{Code: 0}}, nil
}

func TestCreateAndUpdateRecord(t *testing.T) {
	stub := &stubRecords{}
	c := &Client{
		records:   stub,
		tokenFunc: func(context.Context) (string, error) { return "t-token", nil },
	}
	ref := BitableRef{AppToken: "app", TableID: "tbl"}
	id, err := c.CreateRecord(context.Background(), ref, map[string]any{"JobID": "job-1"})
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if id != "rec-1" || stub.created["JobID"] != "job-1" {
		t.Fatalf("unexpected create %s %#v", id, stub.created)
	}
	if err := c.UpdateRecord(context.Background(), ref, id, map[string]any{"Status": "failed"}); err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}
	if stub.updated["Status"] != "failed" {
		t.Fatalf("unexpected update %#v", stub.updated)
	}
}
