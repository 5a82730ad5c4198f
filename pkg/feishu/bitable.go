package feishu

import (
	"context"
	"net/url"
	"strings"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	"github.com/pkg/errors"
)

var hostAllowList = []string{"feishu.cn", "larksuite.com", "larkoffice.com"}

// BitableRef identifies a bitable table.
type BitableRef struct {
	RawURL   string
	AppToken string
	TableID  string
	ViewID   string
}

// ParseBitableURL accepts links such as
// https://xxx.feishu.cn/base/{app_token}?table={table_id}&view={view_id}.
func ParseBitableURL(raw string) (ref BitableRef, err error) {
	defer func() {
		if err != nil {
			err = errors.Wrap(err, "parse bitable url failed")
		}
	}()

	ref = BitableRef{RawURL: strings.TrimSpace(raw)}
	if ref.RawURL == "" {
		return ref, errors.New("empty url")
	}
	u, err := url.Parse(ref.RawURL)
	if err != nil {
		return ref, errors.Wrap(err, "invalid url")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ref, errors.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if !isAllowedFeishuHost(u.Hostname()) {
		return ref, errors.Errorf("host %q is not recognized as Feishu", u.Host)
	}

	segments := strings.FieldsFunc(strings.Trim(u.Path, "/"), func(r rune) bool { return r == '/' })
	for i := 0; i < len(segments)-1; i++ {
		if segments[i] == "base" {
			ref.AppToken = segments[i+1]
			break
		}
	}
	if ref.AppToken == "" {
		return ref, errors.New("missing app token in url, use the /base/ link of the table")
	}

	q := u.Query()
	for _, key := range []string{"table", "tableId", "table_id"} {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			ref.TableID = v
			break
		}
	}
	if ref.TableID == "" {
		return ref, errors.New("missing table id in url query")
	}
	for _, key := range []string{"view", "viewId", "view_id"} {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			ref.ViewID = v
			break
		}
	}
	return ref, nil
}

func isAllowedFeishuHost(host string) bool {
	lower := strings.ToLower(host)
	if lower == "" {
		return false
	}
	for _, allowed := range hostAllowList {
		if lower == allowed || strings.HasSuffix(lower, "."+allowed) {
			return true
		}
	}
	return false
}

// CreateRecord inserts one row and returns its record id.
func (c *Client) CreateRecord(ctx context.Context, ref BitableRef, fields map[string]any) (recordID string, err error) {
	defer func() {
		if err != nil {
			err = errors.Wrap(err, "create bitable record failed")
		}
	}()
	if len(fields) == 0 {
		return "", errors.New("feishu: no fields provided for creation")
	}
	if ref.AppToken == "" || ref.TableID == "" {
		return "", errors.New("feishu: bitable ref missing app token or table id")
	}
	opts, err := c.requestOptions(ctx)
	if err != nil {
		return "", err
	}
	record := larkbitable.NewAppTableRecordBuilder().
		Fields(fields).
		Build()
	resp, err := c.records.Create(ctx, ref.AppToken, ref.TableID, record, opts...)
	if err != nil {
		return "", errors.Wrap(err, "feishu: create record request failed")
	}
	if resp == nil || resp.ApiResp == nil {
		return "", errors.New("feishu: empty response when creating record")
	}
	if err := ensureSDKSuccess("create record", resp.Success(), resp.Code, resp.Msg, resp.RequestId()); err != nil {
		return "", err
	}
	if resp.Data == nil || resp.Data.Record == nil {
		return "", errors.New("feishu: create record response missing record")
	}
	id := strings.TrimSpace(larkcore.StringValue(resp.Data.Record.RecordId))
	if id == "" {
		return "", errors.New("feishu: create record response missing record id")
	}
	return id, nil
}

// UpdateRecord overwrites the given fields of one row.
func (c *Client) UpdateRecord(ctx context.Context, ref BitableRef, recordID string, fields map[string]any) (err error) {
	defer func() {
		if err != nil {
			err = errors.Wrap(err, "update bitable record failed")
		}
	}()
	if strings.TrimSpace(recordID) == "" {
		return errors.New("feishu: record id is empty")
	}
	if len(fields) == 0 {
		return nil
	}
	opts, err := c.requestOptions(ctx)
	if err != nil {
		return err
	}
	record := larkbitable.NewAppTableRecordBuilder().
		Fields(fields).
		Build()
	resp, err := c.records.Update(ctx, ref.AppToken, ref.TableID, recordID, record, opts...)
	if err != nil {
		return errors.Wrap(err, "feishu: update record request failed")
	}
	if resp == nil || resp.ApiResp == nil {
		return errors.New("feishu: empty response when updating record")
	}
	return ensureSDKSuccess("update record", resp.Success(), resp.Code, resp.Msg, resp.RequestId())
}
